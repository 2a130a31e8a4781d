package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/courier/courier.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "courier", "courier.yaml"))
	}

	paths = append(paths, "courier.yaml")

	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/courier/courier.yaml < ~/.config/courier/courier.yaml < ./courier.yaml < $COURIER_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		cfg.Broker.URL = url
	}
	if level := os.Getenv("COURIER_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if !validLogLevels[strings.ToLower(cfg.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be one of debug, info, warn, error, got %q", cfg.Server.LogLevel)
	}

	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if cfg.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange is required")
	}
	if cfg.Broker.ResultsQueue == "" || cfg.Broker.ProgressQueue == "" {
		return fmt.Errorf("broker.results_queue and broker.progress_queue are required")
	}
	if cfg.Broker.ReconnectDelay <= 0 {
		return fmt.Errorf("broker.reconnect_delay must be positive")
	}
	if cfg.Broker.WaitTimeout <= 0 {
		return fmt.Errorf("broker.wait_timeout must be positive")
	}

	for kind, route := range cfg.Broker.Routes {
		if route.Queue == "" || route.RoutingKey == "" {
			return fmt.Errorf("broker.routes.%s needs both queue and routing_key", kind)
		}
		if !strings.HasPrefix(route.RoutingKey, "task.") {
			return fmt.Errorf("broker.routes.%s: routing_key %q must start with \"task.\"", kind, route.RoutingKey)
		}
	}

	if cfg.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway.ping_interval must be positive")
	}
	if cfg.Gateway.PongTimeout <= cfg.Gateway.PingInterval {
		return fmt.Errorf("gateway.pong_timeout must be longer than gateway.ping_interval")
	}
	if cfg.Gateway.MailboxSize < 1 {
		return fmt.Errorf("gateway.mailbox_size must be at least 1")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)

	return nil
}
