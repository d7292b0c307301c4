package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/asterisk-tickets/internal/backend/openproject"
	"github.com/sweeney/asterisk-tickets/internal/correlator"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Call      CallConfig      `yaml:"call"`
	AMI       AMIConfig       `yaml:"ami"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Tickets   TicketsConfig   `yaml:"tickets"`
	Addresses AddressesConfig `yaml:"addresses"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// ShutdownTimeout bounds draining in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type CallConfig struct {
	// Timezone is the IANA zone history timestamps are written in.
	Timezone string `yaml:"timezone"`
	// DefaultDuration is recorded when a start timestamp cannot be parsed.
	DefaultDuration int `yaml:"default_duration_minutes"`
	SaveAttempts    int `yaml:"save_attempts"`
}

// Location loads Timezone.
func (c *CallConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

type AMIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Username string           `yaml:"username"`
	Secret   string           `yaml:"secret"`
	Rules    correlator.Rules `yaml:"rules"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

const (
	BackendOpenProject = "openproject"
	BackendPostgres    = "postgres"
	BackendCardDAV     = "carddav"
	BackendNone        = "none"
)

type TicketsConfig struct {
	Backend         string            `yaml:"backend"`
	UnknownLocation string            `yaml:"unknown_location"`
	DefaultAssignee string            `yaml:"default_assignee"`
	RequestTimeout  time.Duration     `yaml:"request_timeout"`
	OpenProject     OpenProjectConfig `yaml:"openproject"`
	Postgres        PostgresConfig    `yaml:"postgres"`
}

type OpenProjectConfig struct {
	BaseURL    string               `yaml:"base_url"`
	APIToken   string               `yaml:"api_token"`
	TypeID     string               `yaml:"type_id"`
	MaxRetries int                  `yaml:"max_retries"`
	Fields     openproject.Fields   `yaml:"fields"`
	Statuses   openproject.Statuses `yaml:"statuses"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
	// Agents seeds the agents table, name -> handle.
	Agents map[string]string `yaml:"agents"`
}

type AddressesConfig struct {
	Backend        string        `yaml:"backend"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CardDAV        CardDAVConfig `yaml:"carddav"`
	Cache          CacheConfig   `yaml:"cache"`
}

type CardDAVConfig struct {
	DirectURL    string `yaml:"direct_url"`
	CompaniesURL string `yaml:"companies_url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CountryCode  string `yaml:"country_code"`
	SuffixDigits int    `yaml:"suffix_digits"`
}

type CacheConfig struct {
	// RedisURL enables caching when set, e.g. redis://localhost:6379/0.
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel parses Level.
func (c *LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Level))
	return l, err
}

// Load reads the YAML file at path. A .env file in the same directory is
// loaded into the environment first, then ${VAR} references in the YAML
// are replaced with environment values.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Call: CallConfig{
			Timezone:        "Local",
			DefaultDuration: 15,
			SaveAttempts:    3,
		},
		AMI: AMIConfig{
			Host:  "127.0.0.1",
			Port:  5038,
			Rules: correlator.DefaultRules,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "asterisk-tickets",
			TopicPrefix: "asterisk",
		},
		Tickets: TicketsConfig{
			Backend:         BackendOpenProject,
			UnknownLocation: "unknown",
			RequestTimeout:  30 * time.Second,
			OpenProject: OpenProjectConfig{
				MaxRetries: 3,
			},
		},
		Addresses: AddressesConfig{
			Backend:        BackendNone,
			RequestTimeout: 5 * time.Second,
			CardDAV: CardDAVConfig{
				CountryCode:  "49",
				SuffixDigits: 5,
			},
			Cache: CacheConfig{
				TTL: time.Hour,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} only; a bare $ is left alone so secrets may
// contain it.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func (c *Config) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if _, err := c.Call.Location(); err != nil {
		return fmt.Errorf("call.timezone: %w", err)
	}
	if c.Call.DefaultDuration < 0 {
		return fmt.Errorf("call.default_duration_minutes must not be negative, got %d", c.Call.DefaultDuration)
	}
	if c.Call.SaveAttempts < 1 {
		return fmt.Errorf("call.save_attempts must be at least 1, got %d", c.Call.SaveAttempts)
	}

	if c.AMI.Enabled {
		if c.AMI.Host == "" {
			return fmt.Errorf("ami.host is required")
		}
		if c.AMI.Port < 1 || c.AMI.Port > 65535 {
			return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
		}
		if c.AMI.Username == "" {
			return fmt.Errorf("ami.username is required")
		}
		if c.AMI.Secret == "" {
			return fmt.Errorf("ami.secret is required")
		}
		if c.AMI.Rules.IncomingContext == "" {
			return fmt.Errorf("ami.rules.incoming_context is required")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
	}

	switch c.Tickets.Backend {
	case BackendOpenProject:
		op := c.Tickets.OpenProject
		if op.BaseURL == "" {
			return fmt.Errorf("tickets.openproject.base_url is required")
		}
		if op.APIToken == "" {
			return fmt.Errorf("tickets.openproject.api_token is required")
		}
		if op.Fields.CallID == "" {
			return fmt.Errorf("tickets.openproject.fields.call_id is required")
		}
		if op.Statuses.New == "" || op.Statuses.InProgress == "" || op.Statuses.Closed == "" {
			return fmt.Errorf("tickets.openproject.statuses needs new, in_progress and closed")
		}
	case BackendPostgres:
		if c.Tickets.Postgres.DSN == "" {
			return fmt.Errorf("tickets.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("tickets.backend must be one of %s, %s; got %q", BackendOpenProject, BackendPostgres, c.Tickets.Backend)
	}
	if c.Tickets.UnknownLocation == "" {
		return fmt.Errorf("tickets.unknown_location is required")
	}

	switch c.Addresses.Backend {
	case BackendNone:
	case BackendCardDAV:
		if c.Addresses.CardDAV.DirectURL == "" {
			return fmt.Errorf("addresses.carddav.direct_url is required")
		}
	default:
		return fmt.Errorf("addresses.backend must be one of %s, %s; got %q", BackendCardDAV, BackendNone, c.Addresses.Backend)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
