package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MAILSCOUT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.base_url", typ: kString, env: "MAILSCOUT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "server.api_token", typ: kString, env: "MAILSCOUT_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MAILSCOUT_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.uploads_dir", typ: kString, env: "MAILSCOUT_UPLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadsDir },
	},
	{
		key: "storage.exports_dir", typ: kString, env: "MAILSCOUT_EXPORTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ExportsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ExportsDir },
	},
	{
		key: "log.level", typ: kString, env: "MAILSCOUT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "pipeline.batch_size", typ: kInt, env: "MAILSCOUT_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.BatchSize },
	},
	{
		key: "pipeline.contact_concurrency", typ: kInt, env: "MAILSCOUT_CONTACT_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ContactConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ContactConcurrency },
	},
	{
		key: "pipeline.verify_concurrency", typ: kInt, env: "MAILSCOUT_VERIFY_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.VerifyConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.VerifyConcurrency },
	},
	{
		key: "scheduler.poll_interval", typ: kDuration, env: "MAILSCOUT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.PollInterval },
	},
	{
		key: "smtp.helo_domain", typ: kString, env: "MAILSCOUT_SMTP_HELO_DOMAIN",
		apply:   func(cfg *Config, v any) { cfg.SMTP.HeloDomain = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.HeloDomain },
	},
	{
		key: "smtp.mail_from", typ: kString, env: "MAILSCOUT_SMTP_MAIL_FROM",
		apply:   func(cfg *Config, v any) { cfg.SMTP.MailFrom = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.MailFrom },
	},
	{
		key: "smtp.port", typ: kInt, env: "MAILSCOUT_SMTP_PORT",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.SMTP.Port },
	},
	{
		key: "smtp.timeout", typ: kDuration, env: "MAILSCOUT_SMTP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.SMTP.Timeout },
	},
	{
		key: "smtp.rate_limit_rps", typ: kFloat, env: "MAILSCOUT_SMTP_RATE_LIMIT_RPS",
		apply:   func(cfg *Config, v any) { cfg.SMTP.RateLimitRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.SMTP.RateLimitRPS },
	},
	{
		key: "smtp.disposable_file", typ: kString, env: "MAILSCOUT_SMTP_DISPOSABLE_FILE",
		apply:   func(cfg *Config, v any) { cfg.SMTP.DisposableFile = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.DisposableFile },
	},
	{
		key: "smtp.skip_file", typ: kString, env: "MAILSCOUT_SMTP_SKIP_FILE",
		apply:   func(cfg *Config, v any) { cfg.SMTP.SkipFile = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.SkipFile },
	},
	{
		key: "resolver.overrides_file", typ: kString, env: "MAILSCOUT_OVERRIDES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Resolver.OverridesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Resolver.OverridesFile },
	},
	{
		key: "resolver.lookup_url", typ: kString, env: "MAILSCOUT_LOOKUP_URL",
		apply:   func(cfg *Config, v any) { cfg.Resolver.LookupURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Resolver.LookupURL },
	},
	{
		key: "resolver.brute_force_concurrency", typ: kInt, env: "MAILSCOUT_BRUTE_FORCE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Resolver.BruteForceConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Resolver.BruteForceConcurrency },
	},
	{
		key: "domainmeta.http_timeout", typ: kDuration, env: "MAILSCOUT_DOMAINMETA_HTTP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.DomainMeta.HTTPTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.DomainMeta.HTTPTimeout },
	},
	{
		key: "notify.resend_api_key", typ: kString, env: "MAILSCOUT_RESEND_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Notify.ResendAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.ResendAPIKey },
	},
	{
		key: "notify.from", typ: kString, env: "MAILSCOUT_NOTIFY_FROM",
		apply:   func(cfg *Config, v any) { cfg.Notify.From = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.From },
	},
}

// parseValue converts a raw string to the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
