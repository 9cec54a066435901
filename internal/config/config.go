package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds bastion configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Provider    ProviderConfig    `yaml:"provider"`
	Judges      []JudgeConfig     `yaml:"judges"`
	Adjudicator AdjudicatorConfig `yaml:"adjudicator"`
	Probe       ProbeConfig       `yaml:"probe"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Loop        LoopConfig        `yaml:"loop"`
	Audit       AuditConfig       `yaml:"audit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // HTTP listen address, e.g. ":8080"
}

// ProviderConfig describes the protected model endpoint.
type ProviderConfig struct {
	Type        string        `yaml:"type"`         // "openai" | "fake"
	BaseURL     string        `yaml:"base_url"`     // e.g. "https://api.openai.com/v1"
	APIKeyEnv   string        `yaml:"api_key_env"`  // env var holding the key, never the key itself
	Model       string        `yaml:"model"`        // upstream model name
	Timeout     time.Duration `yaml:"timeout"`      // per-call timeout
	MaxAttempts int           `yaml:"max_attempts"` // bounded retries before surfacing a service error
}

// JudgeConfig describes one ensemble member.
type JudgeConfig struct {
	Name      string  `yaml:"name"`
	Type      string  `yaml:"type"`      // "keyword" | "llm" | "onnx"
	Threshold float32 `yaml:"threshold"` // vote cutoff in [0,1]
	Model     string  `yaml:"model"`     // llm judge upstream model
	BundleDir string  `yaml:"bundle_dir"`
}

type AdjudicatorConfig struct {
	Quorum        int           `yaml:"quorum"`         // 0 = majority of configured judges
	MinResponders int           `yaml:"min_responders"` // below this the verdict is forced inconclusive
	JudgeTimeout  time.Duration `yaml:"judge_timeout"`
}

type ProbeConfig struct {
	Strategy string        `yaml:"strategy"` // "mutator" | "llm"
	Model    string        `yaml:"model"`    // llm generator upstream model
	History  int           `yaml:"history"`  // recent attempts fed back for novelty
	Timeout  time.Duration `yaml:"timeout"`
}

type SynthesisConfig struct {
	FalsePositiveCeiling float32       `yaml:"false_positive_ceiling"`
	RegressionCorpus     string        `yaml:"regression_corpus"` // optional path, one benign input per line
	SimilarityThreshold  float32       `yaml:"similarity_threshold"`
	Timeout              time.Duration `yaml:"timeout"` // bound on the synthesis stage per cycle
}

type LoopConfig struct {
	Workers                int           `yaml:"workers"`
	Interval               time.Duration `yaml:"interval"` // pause between cycles per worker
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
}

type AuditConfig struct {
	Dir        string `yaml:"dir"`         // directory for the JSONL log
	SQLitePath string `yaml:"sqlite_path"` // empty disables the durable store
	QueueSize  int    `yaml:"queue_size"`
	Workers    int    `yaml:"workers"`
	Retain     int    `yaml:"retain"` // in-memory records kept for the oversight API
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

type LoggingConfig struct {
	Level string `yaml:"level"` // metadata | full
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Provider: ProviderConfig{
			Type: "fake",
		},
		Judges: []JudgeConfig{
			{Name: "keyword", Type: "keyword", Threshold: 0.5},
		},
		Logging: LoggingConfig{
			Level: "metadata",
		},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "openai"
	}
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = 60 * time.Second
	}
	if cfg.Provider.MaxAttempts <= 0 {
		cfg.Provider.MaxAttempts = 3
	}

	for i := range cfg.Judges {
		if cfg.Judges[i].Threshold <= 0 {
			cfg.Judges[i].Threshold = 0.5
		}
	}

	if cfg.Adjudicator.Quorum <= 0 {
		// majority of configured judges
		cfg.Adjudicator.Quorum = len(cfg.Judges)/2 + 1
	}
	if cfg.Adjudicator.MinResponders <= 0 {
		cfg.Adjudicator.MinResponders = 2
	}
	if cfg.Adjudicator.MinResponders > len(cfg.Judges) && len(cfg.Judges) > 0 {
		cfg.Adjudicator.MinResponders = len(cfg.Judges)
	}
	if cfg.Adjudicator.JudgeTimeout <= 0 {
		cfg.Adjudicator.JudgeTimeout = 20 * time.Second
	}

	if cfg.Probe.Strategy == "" {
		cfg.Probe.Strategy = "mutator"
	}
	if cfg.Probe.History <= 0 {
		cfg.Probe.History = 10
	}
	if cfg.Probe.Timeout <= 0 {
		cfg.Probe.Timeout = 30 * time.Second
	}

	if cfg.Synthesis.FalsePositiveCeiling <= 0 {
		cfg.Synthesis.FalsePositiveCeiling = 0.05
	}
	if cfg.Synthesis.SimilarityThreshold <= 0 {
		cfg.Synthesis.SimilarityThreshold = 0.88
	}
	if cfg.Synthesis.Timeout <= 0 {
		cfg.Synthesis.Timeout = 60 * time.Second
	}

	if cfg.Loop.Workers <= 0 {
		cfg.Loop.Workers = 1
	}
	if cfg.Loop.Interval <= 0 {
		cfg.Loop.Interval = time.Second
	}
	if cfg.Loop.BackoffBase <= 0 {
		cfg.Loop.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Loop.BackoffMax <= 0 {
		cfg.Loop.BackoffMax = 30 * time.Second
	}
	if cfg.Loop.MaxConsecutiveFailures <= 0 {
		cfg.Loop.MaxConsecutiveFailures = 10
	}

	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "audit"
	}
	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 1000
	}
	if cfg.Audit.Workers <= 0 {
		cfg.Audit.Workers = 1
	}
	if cfg.Audit.Retain <= 0 {
		cfg.Audit.Retain = 1000
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "metadata"
	}
}
