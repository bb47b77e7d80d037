package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Embed colours keyed by the action prefix of the title.
var discordColors = map[string]int{
	"FULL_EXIT":    0xE74C3C,
	"PARTIAL_EXIT": 0xE67E22,
	"REJECT_ENTRY": 0xF1C40F,
}

const discordDefaultColor = 0x95A5A6

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	opts       senderOptions
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string, opts ...SenderOption) *DiscordSender {
	o := buildOptions(webhookURL, opts)
	return &DiscordSender{webhookURL: o.baseURL, opts: o}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts an embed to the Discord webhook, coloured by action.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := discordPayload{
		Username: "riskd",
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       colorFor(title),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.opts.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	// Discord returns 204 No Content on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func colorFor(title string) int {
	for prefix, c := range discordColors {
		if strings.HasPrefix(title, prefix) {
			return c
		}
	}
	return discordDefaultColor
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
