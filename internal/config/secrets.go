package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Risk.LiquidityDrop = append(out.Risk.LiquidityDrop[:0:0], cfg.Risk.LiquidityDrop...)
	out.Risk.AuthorityOutflow = append(out.Risk.AuthorityOutflow[:0:0], cfg.Risk.AuthorityOutflow...)
	out.Risk.HolderCountDrop = append(out.Risk.HolderCountDrop[:0:0], cfg.Risk.HolderCountDrop...)
	out.Risk.ConcentrationIncrease = append(out.Risk.ConcentrationIncrease[:0:0], cfg.Risk.ConcentrationIncrease...)

	if cfg.Feed.WS.Headers != nil {
		out.Feed.WS.Headers = maps.Clone(cfg.Feed.WS.Headers)
		for k := range out.Feed.WS.Headers {
			v := out.Feed.WS.Headers[k]
			redact(&v)
			out.Feed.WS.Headers[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
