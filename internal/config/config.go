package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cagewatch.yml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	SMS        SMSConfig        `yaml:"sms"`
	Email      EmailConfig      `yaml:"email"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Relocation RelocationConfig `yaml:"relocation"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Influx     InfluxConfig     `yaml:"influx"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	BasePath    string   `yaml:"base_path"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	Workspace string `yaml:"workspace"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// SMSConfig configures the Africa's Talking messaging gateway.
type SMSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	APIKey   string `yaml:"api_key"`
	Sender   string `yaml:"sender"`
}

// EmailConfig configures the SMTP relay used for alert emails.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TLS      string `yaml:"tls"`
}

type DispatchConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerOpenFor  time.Duration `yaml:"breaker_open_for"`
}

type SafeZone struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// RelocationConfig selects how relocation targets are planned.
// Strategy "fixed" always returns Default; "nearest" picks the closest safe zone.
type RelocationConfig struct {
	Strategy  string     `yaml:"strategy"`
	Default   SafeZone   `yaml:"default"`
	SafeZones []SafeZone `yaml:"safe_zones"`
}

type MQTTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	ReadingTopic  string `yaml:"reading_topic"`
	RelocateTopic string `yaml:"relocate_topic"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cagewatch config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.SMS.Enabled {
		if c.SMS.Username == "" {
			return fmt.Errorf("config.sms.username is required when sms is enabled")
		}
		if c.SMS.APIKey == "" {
			return fmt.Errorf("config.sms.api_key is required when sms is enabled")
		}
		if _, err := url.ParseRequestURI(c.SMS.URL); err != nil {
			return fmt.Errorf("config.sms.url is invalid: %w", err)
		}
	}
	if c.Email.Enabled {
		if c.Email.Host == "" {
			return fmt.Errorf("config.email.host is required when email is enabled")
		}
		if c.Email.Port <= 0 || c.Email.Port > 65535 {
			return fmt.Errorf("config.email.port must be between 1 and 65535")
		}
		if c.Email.From == "" {
			return fmt.Errorf("config.email.from is required when email is enabled")
		}
		switch c.Email.TLS {
		case "", "mandatory", "opportunistic", "none":
		default:
			return fmt.Errorf("config.email.tls must be mandatory, opportunistic or none")
		}
	}
	d := c.Dispatch
	if d.QueueSize <= 0 {
		return fmt.Errorf("config.dispatch.queue_size must be positive")
	}
	if d.Workers <= 0 {
		return fmt.Errorf("config.dispatch.workers must be positive")
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("config.dispatch.max_attempts must be positive")
	}
	if d.CallTimeout <= 0 {
		return fmt.Errorf("config.dispatch.call_timeout must be positive")
	}
	if d.BreakerFailures <= 0 {
		return fmt.Errorf("config.dispatch.breaker_failures must be positive")
	}
	switch c.Relocation.Strategy {
	case "", "fixed":
	case "nearest":
		if len(c.Relocation.SafeZones) == 0 {
			return fmt.Errorf("config.relocation.safe_zones is required for strategy nearest")
		}
	default:
		return fmt.Errorf("config.relocation.strategy must be fixed or nearest")
	}
	for _, z := range append([]SafeZone{c.Relocation.Default}, c.Relocation.SafeZones...) {
		if z.Latitude < -90 || z.Latitude > 90 || z.Longitude < -180 || z.Longitude > 180 {
			return fmt.Errorf("safe zone %q has out of range coordinates", z.Name)
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("config.mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.ReadingTopic == "" {
			return fmt.Errorf("config.mqtt.reading_topic is required when mqtt is enabled")
		}
	}
	if c.Influx.Enabled {
		if c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "" {
			return fmt.Errorf("config.influx url, org and bucket are required when influx is enabled")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cagewatch.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api/v1
  cors_origins: ["http://localhost:5173"]

auth:
  jwt_secret: ""

database:
  workspace: .

log:
  level: info
  development: false

sms:
  enabled: false
  url: https://api.africastalking.com/version1/messaging
  username: sandbox
  api_key: ""
  sender: ""

email:
  enabled: false
  host: smtp.gmail.com
  port: 587
  username: ""
  password: ""
  from: ""
  tls: mandatory

dispatch:
  queue_size: 256
  workers: 4
  max_attempts: 3
  initial_backoff: 500ms
  max_backoff: 10s
  call_timeout: 15s
  breaker_failures: 5
  breaker_open_for: 1m

relocation:
  strategy: fixed
  default:
    name: default
    latitude: -0.180472
    longitude: 34.747611
  safe_zones: []

mqtt:
  enabled: false
  broker: tcp://127.0.0.1:1883
  client_id: cagewatch
  username: ""
  password: ""
  reading_topic: cagewatch/cages/+/readings
  relocate_topic: cagewatch/cages/{cage}/relocate

influx:
  enabled: false
  url: http://127.0.0.1:8086
  token: ""
  org: cagewatch
  bucket: readings
`
