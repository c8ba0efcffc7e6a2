package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FromFile loads configuration from a file, auto-detecting format by
// extension, and layers it over Default(). Supported extensions: .yaml,
// .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config layered over Default().
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return applyEnv(cfg), nil
}

// FromJSON parses JSON data into a Config layered over Default().
func FromJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return applyEnv(cfg), nil
}

// FromEnv returns the default configuration with environment overrides
// applied, for running without a config file.
func FromEnv() Config {
	return applyEnv(Default())
}

// applyEnv overrides the settings most often varied per deployment.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("EVENTBUS_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("EVENTBUS_DB_PATH"); v != "" {
		cfg.Storage.Path = v
		cfg.Storage.InMemory = false
	}
	if v := os.Getenv("EVENTBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EVENTBUS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("EVENTBUS_MODULE_REGISTRY_URL"); v != "" {
		cfg.Modules.RegistryURL = v
	}
	if v := os.Getenv("EVENTBUS_DELIVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.DeliveryTimeout = Duration(d)
		}
	}
	return cfg
}
