package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/wingman/internal/secrets"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Platform PlatformConfig
	LLM      LLMConfig
	Campaign CampaignConfig
	Reply    ReplyConfig
	Worker   WorkerConfig
	Secrets  SecretsConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type PlatformConfig struct {
	BaseURL string
	Locale  string
	Token   string
}

type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// CampaignConfig drives the opener campaign, unmatch sweep and enrichment.
// Jitters are "MIN-MAX" in seconds.
type CampaignConfig struct {
	GreetingTemplate     string
	OpenerMaxDistanceKm  float64
	UnmatchMaxDistanceKm float64
	UnknownDistance      string
	EnrichJitter         string
	OpenerJitter         string
	UnmatchJitter        string
	SyncPageSize         int
}

// ReplyConfig drives the periodic reply cycle. Durations use time.ParseDuration syntax.
type ReplyConfig struct {
	Interval    string
	Staleness   string
	MatchLimit  int
	NudgePolicy string
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval string
}

type SecretsConfig struct {
	SSMPrefix string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Platform: PlatformConfig{
			BaseURL: "https://api.gotinder.com",
			Locale:  "en",
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Campaign: CampaignConfig{
			GreetingTemplate:     "Hi <match_name>, how are you doing?",
			OpenerMaxDistanceKm:  15,
			UnmatchMaxDistanceKm: 15,
			UnknownDistance:      "within",
			EnrichJitter:         "5-10",
			OpenerJitter:         "5-10",
			UnmatchJitter:        "10-20",
			SyncPageSize:         100,
		},
		Reply: ReplyConfig{
			Interval:    "5m",
			Staleness:   "120h",
			MatchLimit:  50,
			NudgePolicy: "repeat",
		},
		Worker: WorkerConfig{
			Concurrency:  2,
			PollInterval: "500ms",
		},
	}
}

// Load reads configuration from the TOML file, environment variables, and
// the secret stores.
//
// The file lives at $XDG_CONFIG_HOME/wingman/config.toml (keys are
// "section.key", e.g. [campaign] opener_max_distance_km = 10).
// Environment variables (WINGMAN_*) override file values.
// Secrets are never read from the file: they come from the environment,
// then the macOS Keychain (or the local secrets file elsewhere), then AWS SSM
// Parameter Store when secrets.ssm_prefix is set.
func Load(ctx context.Context) (Config, error) {
	return loadFromPath(ctx, configFilePath(), keychainReader{}, openParamStore)
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

// secretSource is a remote secret store such as SSM Parameter Store.
type secretSource interface {
	Get(ctx context.Context, key string) (string, error)
}

type secretOpener func(ctx context.Context, prefix string) (secretSource, error)

func openParamStore(ctx context.Context, prefix string) (secretSource, error) {
	return secrets.NewFromEnvironment(ctx, prefix)
}

func loadFromPath(ctx context.Context, path string, kc keychain, openSecrets secretOpener) (Config, error) {
	cfg := defaults()

	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := resolveSecrets(ctx, &cfg, kc, openSecrets); err != nil {
		return Config{}, err
	}

	if cfg.Platform.Token == "" {
		msg := "missing required config: platform token. " +
			"Set it via environment variable WINGMAN_PLATFORM_TOKEN" +
			tokenHint() + " or AWS SSM (secrets.ssm_prefix)"
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// resolveSecrets fills empty secret keys from the keychain, then SSM.
func resolveSecrets(ctx context.Context, cfg *Config, kc keychain, openSecrets secretOpener) error {
	var missing []keySpec
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if kc != nil {
			if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
				s.apply(cfg, v)
				continue
			}
		}
		missing = append(missing, s)
	}

	if len(missing) == 0 || cfg.Secrets.SSMPrefix == "" || openSecrets == nil {
		return nil
	}
	src, err := openSecrets(ctx, cfg.Secrets.SSMPrefix)
	if err != nil {
		return fmt.Errorf("opening secret store: %w", err)
	}
	for _, s := range missing {
		v, err := src.Get(ctx, s.key)
		if err != nil {
			if s.required {
				return fmt.Errorf("reading %s from secret store: %w", s.key, err)
			}
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

const keychainService = "wingman"

// keychainReader reads from macOS Keychain via the security CLI, or from the
// local secrets file on other platforms.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
