package config

import "time"

// Config is the root configuration for courier.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BrokerConfig struct {
	URL            string                 `yaml:"url"`
	Exchange       string                 `yaml:"exchange"`
	ResultsQueue   string                 `yaml:"results_queue"`
	ProgressQueue  string                 `yaml:"progress_queue"`
	ReconnectDelay time.Duration          `yaml:"reconnect_delay"`
	WaitTimeout    time.Duration          `yaml:"wait_timeout"`
	Routes         map[string]RouteConfig `yaml:"routes"`
}

// RouteConfig maps a task kind to its durable queue and routing key.
type RouteConfig struct {
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

type GatewayConfig struct {
	AllowAnonymous bool          `yaml:"allow_anonymous"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MailboxSize    int           `yaml:"mailbox_size"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8081,
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Broker: BrokerConfig{
			URL:            "amqp://localhost:5672",
			Exchange:       "avito_exchange",
			ResultsQueue:   "ai_processing_responses",
			ProgressQueue:  "avito_progress_updates",
			ReconnectDelay: 5 * time.Second,
			WaitTimeout:    30 * time.Second,
			Routes: map[string]RouteConfig{
				"crawl":          {Queue: "avito_requests", RoutingKey: "task.crawl.avito_request"},
				"ai_title":       {Queue: "ai_processing_tasks", RoutingKey: "task.ai.title"},
				"ai_description": {Queue: "ai_processing_tasks", RoutingKey: "task.ai.description"},
			},
		},
		Gateway: GatewayConfig{
			AllowAnonymous: true,
			PingInterval:   30 * time.Second,
			PongTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			MailboxSize:    256,
		},
		Database: DatabaseConfig{
			Path:          "~/.config/courier/courier.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
