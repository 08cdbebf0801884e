package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Payment   ProviderConfig  `yaml:"payment"`
	VTU       ProviderConfig  `yaml:"vtu"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ProviderConfig describes one external provider (payment gateway or VTU).
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	AuthMode       string `yaml:"auth_mode"` // bearer | basic | apikey | hmac
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	WebhookSecret  string `yaml:"webhook_secret"`
	CommissionRate string `yaml:"commission_rate"` // decimal fraction, e.g. "0.02"
}

// Duration lets yaml carry values like "500ms" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// GatewayConfig tunes outbound retry/backoff for all provider clients.
type GatewayConfig struct {
	RetryAttempts int      `yaml:"retry_attempts"`
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	Timeout       Duration `yaml:"timeout"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// secrets come from env when present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if s := os.Getenv("PAYMENT_WEBHOOK_SECRET"); s != "" {
		cfg.Payment.WebhookSecret = s
	}
	if k := os.Getenv("PAYMENT_API_KEY"); k != "" {
		cfg.Payment.APIKey = k
	}
	if s := os.Getenv("VTU_WEBHOOK_SECRET"); s != "" {
		cfg.VTU.WebhookSecret = s
	}
	if k := os.Getenv("VTU_API_KEY"); k != "" {
		cfg.VTU.APIKey = k
	}
	if cfg.Gateway.RetryAttempts == 0 {
		cfg.Gateway.RetryAttempts = 3
	}
	if cfg.Gateway.BaseDelay == 0 {
		cfg.Gateway.BaseDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Gateway.MaxDelay == 0 {
		cfg.Gateway.MaxDelay = Duration(30 * time.Second)
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = Duration(15 * time.Second)
	}
	return &cfg, nil
}
