package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}

	if err := validateProviderConfig(cfg.Provider); err != nil {
		return err
	}

	if len(cfg.Judges) == 0 {
		return errors.New("at least one judge must be configured")
	}
	seen := make(map[string]bool, len(cfg.Judges))
	for _, j := range cfg.Judges {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return errors.New("judge name must be set")
		}
		if seen[name] {
			return fmt.Errorf("duplicate judge name %q", name)
		}
		seen[name] = true
		switch j.Type {
		case "keyword":
		case "llm":
			if strings.TrimSpace(j.Model) == "" {
				return fmt.Errorf("judge %q: llm judges require a model", name)
			}
		case "onnx":
			if strings.TrimSpace(j.BundleDir) == "" {
				return fmt.Errorf("judge %q: onnx judges require a bundle_dir", name)
			}
		default:
			return fmt.Errorf("judge %q has unknown type %q", name, j.Type)
		}
		if j.Threshold <= 0 || j.Threshold >= 1 {
			return fmt.Errorf("judge %q threshold must be in (0,1), got %v", name, j.Threshold)
		}
	}

	if cfg.Adjudicator.Quorum > len(cfg.Judges) {
		return fmt.Errorf("adjudicator.quorum %d exceeds judge count %d", cfg.Adjudicator.Quorum, len(cfg.Judges))
	}

	switch cfg.Probe.Strategy {
	case "mutator":
	case "llm":
		if strings.TrimSpace(cfg.Probe.Model) == "" {
			return errors.New("probe.model must be set for the llm strategy")
		}
	default:
		return fmt.Errorf("unknown probe.strategy %q", cfg.Probe.Strategy)
	}

	if cfg.Synthesis.FalsePositiveCeiling >= 1 {
		return fmt.Errorf("synthesis.false_positive_ceiling must be below 1, got %v", cfg.Synthesis.FalsePositiveCeiling)
	}
	if cfg.Synthesis.SimilarityThreshold >= 1 {
		return fmt.Errorf("synthesis.similarity_threshold must be below 1, got %v", cfg.Synthesis.SimilarityThreshold)
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	switch cfg.Logging.Level {
	case "metadata", "full":
	default:
		return fmt.Errorf("logging.level must be metadata or full, got %q", cfg.Logging.Level)
	}

	return nil
}

func validateProviderConfig(p ProviderConfig) error {
	switch p.Type {
	case "openai":
		if strings.TrimSpace(p.APIKeyEnv) == "" {
			return errors.New("provider.api_key_env must be set for openai providers")
		}
		if strings.TrimSpace(p.Model) == "" {
			return errors.New("provider.model must be set for openai providers")
		}
	case "fake":
	default:
		return fmt.Errorf("unknown provider.type %q", p.Type)
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry.endpoint must be set when telemetry is enabled")
	}
	switch strings.ToLower(t.Protocol) {
	case "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
	}
	return nil
}
