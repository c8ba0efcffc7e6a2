// Package config holds the daemon configuration and its file loader.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Validation ValidationConfig `json:"validation" yaml:"validation"`
	Modules    ModulesConfig    `json:"modules" yaml:"modules"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
}

// StorageConfig configures persistence. Path ":memory:" or InMemory true
// selects the non-durable in-memory stores.
type StorageConfig struct {
	Path     string `json:"path" yaml:"path"`
	InMemory bool   `json:"in_memory" yaml:"in_memory"`
}

// DispatchConfig configures delivery behavior.
type DispatchConfig struct {
	QueueSize       int      `json:"queue_size" yaml:"queue_size"`
	WorkerQueueSize int      `json:"worker_queue_size" yaml:"worker_queue_size"`
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff  Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff      Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffFactor   float64  `json:"backoff_factor" yaml:"backoff_factor"`
	DeliveryTimeout Duration `json:"delivery_timeout" yaml:"delivery_timeout"`
	GapWait         Duration `json:"gap_wait" yaml:"gap_wait"`
}

// ValidationConfig configures publish-time validation.
type ValidationConfig struct {
	MaxPayloadBytes int `json:"max_payload_bytes" yaml:"max_payload_bytes"`
}

// ModulesConfig configures source module resolution. With neither an allow
// list nor a registry URL, every module id is accepted.
type ModulesConfig struct {
	AllowList   []string `json:"allow_list" yaml:"allow_list"`
	RegistryURL string   `json:"registry_url" yaml:"registry_url"`
	CacheTTL    Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8085",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Path: "eventbus.db",
		},
		Dispatch: DispatchConfig{
			QueueSize:       1024,
			WorkerQueueSize: 256,
			MaxAttempts:     5,
			InitialBackoff:  Duration(500 * time.Millisecond),
			MaxBackoff:      Duration(30 * time.Second),
			BackoffFactor:   2.0,
			DeliveryTimeout: Duration(10 * time.Second),
			GapWait:         Duration(5 * time.Second),
		},
		Validation: ValidationConfig{
			MaxPayloadBytes: 256 * 1024,
		},
		Modules: ModulesConfig{
			CacheTTL: Duration(time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set unless storage.in_memory is true")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.BackoffFactor < 1.0 {
		return fmt.Errorf("dispatch.backoff_factor must be at least 1.0")
	}
	if c.Validation.MaxPayloadBytes < 1 {
		return fmt.Errorf("validation.max_payload_bytes must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}
