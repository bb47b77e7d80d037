package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCmd_PrintsRedactedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "headless"

[server]
api_key = "hunter2"

[notify]
telegram_token = "123:abc"
telegram_chat_id = "42"
`), 0o600))

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `mode = "headless"`)
	assert.Contains(t, out, "[server]")
	assert.Contains(t, out, `api_key = "***"`)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "123:abc")
	assert.Contains(t, out, `cooldown = "5m0s"`)
}

func TestConfigCmd_MissingFile(t *testing.T) {
	_, err := execute(t, "config", "--config", filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestArchiveCmd_BadDay(t *testing.T) {
	_, err := execute(t, "archive", "--day", "last tuesday")
	assert.ErrorContains(t, err, "YYYY-MM-DD")
}

func TestRunCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "trade"`), 0o600))

	_, err := execute(t, "run", "--config", path)
	assert.ErrorContains(t, err, "invalid configuration")
}
