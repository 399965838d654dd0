package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Pipeline   PipelineConfig
	Scheduler  SchedulerConfig
	SMTP       SMTPConfig
	Resolver   ResolverConfig
	DomainMeta DomainMetaConfig
	Notify     NotifyConfig
}

type ServerConfig struct {
	Port     int
	BaseURL  string
	APIToken string
}

type StorageConfig struct {
	DataDir    string
	UploadsDir string
	ExportsDir string
}

type LogConfig struct {
	Level string
}

type PipelineConfig struct {
	BatchSize          int
	ContactConcurrency int
	VerifyConcurrency  int
}

type SchedulerConfig struct {
	PollInterval time.Duration
}

type SMTPConfig struct {
	HeloDomain     string
	MailFrom       string
	Port           int
	Timeout        time.Duration
	RateLimitRPS   float64
	DisposableFile string
	SkipFile       string
}

type ResolverConfig struct {
	OverridesFile         string
	LookupURL             string
	BruteForceConcurrency int
}

type DomainMetaConfig struct {
	HTTPTimeout time.Duration
}

type NotifyConfig struct {
	ResendAPIKey string
	From         string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    4000,
			BaseURL: "http://localhost:4000",
		},
		Storage: StorageConfig{
			DataDir:    dataDir,
			UploadsDir: filepath.Join(dataDir, "uploads"),
			ExportsDir: filepath.Join(dataDir, "exports"),
		},
		Log: LogConfig{
			Level: "info",
		},
		Pipeline: PipelineConfig{
			BatchSize:          25,
			ContactConcurrency: 6,
			VerifyConcurrency:  8,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 5 * time.Second,
		},
		SMTP: SMTPConfig{
			HeloDomain: "mailscout.local",
			MailFrom:   "verify@mailscout.local",
			Port:       25,
			Timeout:    10 * time.Second,
		},
		Resolver: ResolverConfig{
			LookupURL:             "https://autocomplete.clearbit.com/v1/companies/suggest",
			BruteForceConcurrency: 50,
		},
		DomainMeta: DomainMetaConfig{
			HTTPTimeout: 3 * time.Second,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/mailscout/config.json, then a .env file in the working
// directory, then MAILSCOUT_* environment variables. Variables already set in
// the environment win over .env entries. Secrets are read from the
// environment only.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env file: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Upload and export dirs follow a relocated data dir unless set explicitly.
	def := defaults()
	if cfg.Storage.DataDir != def.Storage.DataDir {
		if cfg.Storage.UploadsDir == def.Storage.UploadsDir {
			cfg.Storage.UploadsDir = filepath.Join(cfg.Storage.DataDir, "uploads")
		}
		if cfg.Storage.ExportsDir == def.Storage.ExportsDir {
			cfg.Storage.ExportsDir = filepath.Join(cfg.Storage.DataDir, "exports")
		}
	}

	return cfg, nil
}

// RequireAPIToken reports a descriptive error when the HTTP API token is unset.
func (c Config) RequireAPIToken() error {
	if c.Server.APIToken == "" {
		return fmt.Errorf("missing required config: API token. " +
			"Set it via environment variable MAILSCOUT_API_TOKEN or in a .env file")
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "mailscout-data"
		}
	}
	return filepath.Join(dir, "mailscout")
}

func configFilePath() string {
	if p := os.Getenv("MAILSCOUT_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "mailscout", "config.json")
}
