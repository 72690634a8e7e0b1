package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key      string
	typ      keyType
	env      string
	secret   bool
	account  string // keychain account for secrets
	required bool
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "WINGMAN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "WINGMAN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "WINGMAN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "platform.base_url", typ: kString, env: "WINGMAN_PLATFORM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Platform.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Platform.BaseURL },
	},
	{
		key: "platform.locale", typ: kString, env: "WINGMAN_PLATFORM_LOCALE",
		apply:   func(cfg *Config, v any) { cfg.Platform.Locale = v.(string) },
		extract: func(cfg Config) any { return cfg.Platform.Locale },
	},
	{
		key: "platform.token", typ: kString, env: "WINGMAN_PLATFORM_TOKEN",
		secret: true, account: "platform_token", required: true,
		apply:   func(cfg *Config, v any) { cfg.Platform.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Platform.Token },
	},
	{
		key: "llm.base_url", typ: kString, env: "WINGMAN_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "WINGMAN_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, env: "WINGMAN_LLM_API_KEY",
		secret: true, account: "llm_api_key",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "campaign.greeting_template", typ: kString, env: "WINGMAN_CAMPAIGN_GREETING_TEMPLATE",
		apply:   func(cfg *Config, v any) { cfg.Campaign.GreetingTemplate = v.(string) },
		extract: func(cfg Config) any { return cfg.Campaign.GreetingTemplate },
	},
	{
		key: "campaign.opener_max_distance_km", typ: kFloat, env: "WINGMAN_CAMPAIGN_OPENER_MAX_DISTANCE_KM",
		apply:   func(cfg *Config, v any) { cfg.Campaign.OpenerMaxDistanceKm = v.(float64) },
		extract: func(cfg Config) any { return cfg.Campaign.OpenerMaxDistanceKm },
	},
	{
		key: "campaign.unmatch_max_distance_km", typ: kFloat, env: "WINGMAN_CAMPAIGN_UNMATCH_MAX_DISTANCE_KM",
		apply:   func(cfg *Config, v any) { cfg.Campaign.UnmatchMaxDistanceKm = v.(float64) },
		extract: func(cfg Config) any { return cfg.Campaign.UnmatchMaxDistanceKm },
	},
	{
		key: "campaign.unknown_distance", typ: kString, env: "WINGMAN_CAMPAIGN_UNKNOWN_DISTANCE",
		apply:   func(cfg *Config, v any) { cfg.Campaign.UnknownDistance = v.(string) },
		extract: func(cfg Config) any { return cfg.Campaign.UnknownDistance },
	},
	{
		key: "campaign.enrich_jitter", typ: kString, env: "WINGMAN_CAMPAIGN_ENRICH_JITTER",
		apply:   func(cfg *Config, v any) { cfg.Campaign.EnrichJitter = v.(string) },
		extract: func(cfg Config) any { return cfg.Campaign.EnrichJitter },
	},
	{
		key: "campaign.opener_jitter", typ: kString, env: "WINGMAN_CAMPAIGN_OPENER_JITTER",
		apply:   func(cfg *Config, v any) { cfg.Campaign.OpenerJitter = v.(string) },
		extract: func(cfg Config) any { return cfg.Campaign.OpenerJitter },
	},
	{
		key: "campaign.unmatch_jitter", typ: kString, env: "WINGMAN_CAMPAIGN_UNMATCH_JITTER",
		apply:   func(cfg *Config, v any) { cfg.Campaign.UnmatchJitter = v.(string) },
		extract: func(cfg Config) any { return cfg.Campaign.UnmatchJitter },
	},
	{
		key: "campaign.sync_page_size", typ: kInt, env: "WINGMAN_CAMPAIGN_SYNC_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Campaign.SyncPageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Campaign.SyncPageSize },
	},
	{
		key: "reply.interval", typ: kString, env: "WINGMAN_REPLY_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reply.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Reply.Interval },
	},
	{
		key: "reply.staleness", typ: kString, env: "WINGMAN_REPLY_STALENESS",
		apply:   func(cfg *Config, v any) { cfg.Reply.Staleness = v.(string) },
		extract: func(cfg Config) any { return cfg.Reply.Staleness },
	},
	{
		key: "reply.match_limit", typ: kInt, env: "WINGMAN_REPLY_MATCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Reply.MatchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Reply.MatchLimit },
	},
	{
		key: "reply.nudge_policy", typ: kString, env: "WINGMAN_REPLY_NUDGE_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Reply.NudgePolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Reply.NudgePolicy },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "WINGMAN_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "WINGMAN_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "secrets.ssm_prefix", typ: kString, env: "WINGMAN_SECRETS_SSM_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Secrets.SSMPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Secrets.SSMPrefix },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
