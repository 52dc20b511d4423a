package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Broker
	redact(&out.Broker.APIKey)
	redact(&out.Broker.APISecret)
	redact(&out.Broker.SecretPassword)

	// Feed
	redact(&out.Feed.SessionToken)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.AuthToken)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Engine.Instruments = copyStrings(cfg.Engine.Instruments)
	out.Strategy.Active = copyStrings(cfg.Strategy.Active)
	out.Strategy.Instruments = copyStrings(cfg.Strategy.Instruments)
	out.Notify.Events = copyStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = copyStrings(cfg.Server.CORSOrigins)

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Strategy.Params != nil {
		out.Strategy.Params = make(map[string]map[string]any, len(cfg.Strategy.Params))
		for name, params := range cfg.Strategy.Params {
			cp := make(map[string]any, len(params))
			for k, v := range params {
				cp[k] = v
			}
			out.Strategy.Params[name] = cp
		}
	}

	return out
}

// redact replaces a non-empty string with "***".
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
