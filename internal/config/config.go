// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s",
// "2m", "48h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// QueueConfig carries the broker's timing and budget knobs.
type QueueConfig struct {
	ConfirmTimeout     Duration `yaml:"confirm_timeout"`
	KeepAliveInterval  Duration `yaml:"keep_alive_interval"`
	KeepAliveTimeout   Duration `yaml:"keep_alive_timeout"`
	MaxJobFailures     int      `yaml:"max_job_failures"`
	ConfirmedCacheSize int      `yaml:"confirmed_cache_size"`
}

// SMTPConfig points at the outbound mail relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// EmailConfig carries the mail gateway settings and the notification
// templates (text/template syntax).
type EmailConfig struct {
	Enabled   bool       `yaml:"enabled"`
	QueueSize int        `yaml:"queue_size"`
	SMTP      SMTPConfig `yaml:"smtp"`

	ConfirmSubject string `yaml:"confirm_subject"`
	ConfirmBody    string `yaml:"confirm_body"`
	FailureSubject string `yaml:"failure_subject"`
	FailureBody    string `yaml:"failure_body"`
}

// ParameterConfig declares one model parameter. Type selects which of the
// remaining fields apply.
type ParameterConfig struct {
	Type        string   `yaml:"type"` // string, float, integer, range
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Units       string   `yaml:"units"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	Start       float64  `yaml:"start"`
	End         float64  `yaml:"end"`
	Step        float64  `yaml:"step"`
}

// ModelConfig declares one evaluable model.
type ModelConfig struct {
	Name       string            `yaml:"name"`
	Version    int               `yaml:"version"`
	Parameters []ParameterConfig `yaml:"parameters"`
}

// MetricsConfig toggles the Prometheus listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Config is the complete daemon configuration.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Email   EmailConfig   `yaml:"email"`
	Models  []ModelConfig `yaml:"models"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			ConfirmTimeout:     Duration(48 * time.Hour),
			KeepAliveInterval:  Duration(30 * time.Second),
			KeepAliveTimeout:   Duration(2 * time.Minute),
			MaxJobFailures:     3,
			ConfirmedCacheSize: 10000,
		},
		Email: EmailConfig{
			Enabled:   false,
			QueueSize: 256,
			SMTP: SMTPConfig{
				Host: "localhost",
				Port: 25,
				From: "batch@localhost",
			},
			ConfirmSubject: "Confirm your model run",
			ConfirmBody: "A model run was requested for this address.\n" +
				"Your confirmation code is {{.Code}}. It expires in {{.Expiry}}.\n",
			FailureSubject: "Your {{.ModelName}} run failed",
			FailureBody: "Your {{.ModelName}} (version {{.ModelVersion}}) run could not be\n" +
				"completed after repeated attempts. Please resubmit it later.\n",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads, parses, and validates the file at path, applying defaults
// for absent fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Queue.ConfirmTimeout <= 0 {
		return fmt.Errorf("queue.confirm_timeout must be positive")
	}
	if c.Queue.KeepAliveInterval <= 0 {
		return fmt.Errorf("queue.keep_alive_interval must be positive")
	}
	if c.Queue.KeepAliveTimeout <= 0 {
		return fmt.Errorf("queue.keep_alive_timeout must be positive")
	}
	if c.Queue.MaxJobFailures < 1 {
		return fmt.Errorf("queue.max_job_failures must be at least 1")
	}
	if c.Queue.ConfirmedCacheSize < 1 {
		return fmt.Errorf("queue.confirmed_cache_size must be at least 1")
	}
	if c.Email.QueueSize < 1 {
		return fmt.Errorf("email.queue_size must be at least 1")
	}
	if c.Email.Enabled && c.Email.SMTP.Host == "" {
		return fmt.Errorf("email.smtp.host is required when email is enabled")
	}

	seen := make(map[string]bool)
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model with empty name")
		}
		key := fmt.Sprintf("%s@%d", m.Name, m.Version)
		if seen[key] {
			return fmt.Errorf("model %s declared twice", key)
		}
		seen[key] = true

		for _, p := range m.Parameters {
			switch p.Type {
			case "string", "float", "integer", "range":
			default:
				return fmt.Errorf("model %s: parameter %q has unknown type %q", m.Name, p.Name, p.Type)
			}
			if p.Name == "" {
				return fmt.Errorf("model %s: parameter with empty name", m.Name)
			}
		}
	}
	return nil
}
