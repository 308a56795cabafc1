// Package config loads node settings from defaults, CLASSLINK_*
// environment variables and an optional JSON(C) or YAML file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"classlink/internal/logging"
	"classlink/internal/wire"
	dbconfig "classlink/pkg/database"
)

const (
	DefaultPort        = 8888
	DefaultMonitorPort = 8890
	DefaultRateLimit   = 600
)

var ErrUnsupportedFormat = errors.New("unsupported config file format")

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Client    ClientConfig    `json:"client" yaml:"client"`
	Protocol  ProtocolConfig  `json:"protocol" yaml:"protocol"`
	Student   StudentConfig   `json:"student" yaml:"student"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// ServerConfig is the listening side run by students.
type ServerConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimit caps messages per peer per minute. 0 disables it.
	RateLimit int `json:"rate_limit" yaml:"rate_limit"`
}

// ClientConfig is the dialing side run by teachers.
type ClientConfig struct {
	Address           string   `json:"address" yaml:"address"`
	Port              int      `json:"port" yaml:"port"`
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	DialTimeout       Duration `json:"dial_timeout" yaml:"dial_timeout"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

type ProtocolConfig struct {
	Framing          string   `json:"framing" yaml:"framing"`
	Encoding         string   `json:"encoding" yaml:"encoding"`
	MaxMessageSize   int      `json:"max_message_size" yaml:"max_message_size"`
	LegacyBufferSize int      `json:"legacy_buffer_size" yaml:"legacy_buffer_size"`
	WriteTimeout     Duration `json:"write_timeout" yaml:"write_timeout"`
}

type StudentConfig struct {
	Name  string `json:"name" yaml:"name"`
	Class string `json:"class" yaml:"class"`
}

type DatabaseConfig struct {
	Path    string   `json:"path" yaml:"path"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

type MonitorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

type DiscoveryConfig struct {
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
	Concurrency int      `json:"concurrency" yaml:"concurrency"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            DefaultPort,
			ShutdownTimeout: Duration(5 * time.Second),
			RateLimit:       DefaultRateLimit,
		},
		Client: ClientConfig{
			Address:           "127.0.0.1",
			Port:              DefaultPort,
			DialTimeout:       Duration(5 * time.Second),
			HeartbeatInterval: 0,
		},
		Protocol: ProtocolConfig{
			Framing:          wire.FramingLength,
			Encoding:         "json",
			MaxMessageSize:   wire.DefaultMaxMessageSize,
			LegacyBufferSize: wire.DefaultLegacyBufferSize,
			WriteTimeout:     Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path:    "./data/classlink.db",
			Timeout: Duration(30 * time.Second),
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    DefaultMonitorPort,
		},
		Discovery: DiscoveryConfig{
			DialTimeout: Duration(time.Second),
			Concurrency: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func validPort(port int) bool {
	return port >= 0 && port <= 65535
}

// Validate rejects settings that would only fail later at runtime.
// Port 0 is accepted and means an ephemeral port.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if !validPort(c.Server.Port) {
		return fmt.Errorf("server port must be between 0 and 65535")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate limit cannot be negative")
	}

	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client port must be between 1 and 65535")
	}
	if c.Client.DialTimeout <= 0 {
		return fmt.Errorf("client dial timeout must be positive")
	}
	if c.Client.HeartbeatInterval < 0 {
		return fmt.Errorf("client heartbeat interval cannot be negative")
	}

	if _, err := c.Protocol.NewFramer(); err != nil {
		return err
	}
	if _, err := wire.EncodingByName(c.Protocol.Encoding); err != nil {
		return err
	}
	if c.Protocol.MaxMessageSize <= 0 {
		return fmt.Errorf("protocol max message size must be positive")
	}
	if c.Protocol.LegacyBufferSize <= 0 {
		return fmt.Errorf("protocol legacy buffer size must be positive")
	}
	if c.Protocol.WriteTimeout <= 0 {
		return fmt.Errorf("protocol write timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Monitor.Enabled {
		if c.Monitor.Host == "" {
			return fmt.Errorf("monitor host cannot be empty")
		}
		if !validPort(c.Monitor.Port) {
			return fmt.Errorf("monitor port must be between 0 and 65535")
		}
	}

	if c.Discovery.DialTimeout <= 0 {
		return fmt.Errorf("discovery dial timeout must be positive")
	}
	if c.Discovery.Concurrency <= 0 {
		return fmt.Errorf("discovery concurrency must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// NewFramer builds the framer the protocol section selects.
func (p ProtocolConfig) NewFramer() (wire.Framer, error) {
	return wire.NewFramer(p.Framing, p.MaxMessageSize, p.LegacyBufferSize)
}

// NewCodec builds the codec the protocol section selects.
func (p ProtocolConfig) NewCodec() (*wire.Codec, error) {
	enc, err := wire.EncodingByName(p.Encoding)
	if err != nil {
		return nil, err
	}
	return wire.NewCodec(enc), nil
}

// DatabaseConfig translates to the store's own configuration.
func (d DatabaseConfig) StoreConfig() *dbconfig.Config {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = d.Path
	cfg.ConnMaxLifetime = d.Timeout.Duration()
	cfg.ConnMaxIdleTime = d.Timeout.Duration() / 3
	return cfg
}

// LoadFromEnv applies CLASSLINK_* variables over the defaults. Values
// that do not parse are ignored.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	envString("CLASSLINK_SERVER_HOST", &c.Server.Host)
	envInt("CLASSLINK_SERVER_PORT", &c.Server.Port)
	envDuration("CLASSLINK_SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	envInt("CLASSLINK_SERVER_RATE_LIMIT", &c.Server.RateLimit)

	envString("CLASSLINK_CLIENT_ADDRESS", &c.Client.Address)
	envInt("CLASSLINK_CLIENT_PORT", &c.Client.Port)
	envString("CLASSLINK_CLIENT_ID", &c.Client.ID)
	envString("CLASSLINK_CLIENT_NAME", &c.Client.Name)
	envDuration("CLASSLINK_CLIENT_DIAL_TIMEOUT", &c.Client.DialTimeout)
	envDuration("CLASSLINK_CLIENT_HEARTBEAT_INTERVAL", &c.Client.HeartbeatInterval)

	envString("CLASSLINK_PROTOCOL_FRAMING", &c.Protocol.Framing)
	envString("CLASSLINK_PROTOCOL_ENCODING", &c.Protocol.Encoding)
	envInt("CLASSLINK_PROTOCOL_MAX_MESSAGE_SIZE", &c.Protocol.MaxMessageSize)
	envInt("CLASSLINK_PROTOCOL_LEGACY_BUFFER_SIZE", &c.Protocol.LegacyBufferSize)
	envDuration("CLASSLINK_PROTOCOL_WRITE_TIMEOUT", &c.Protocol.WriteTimeout)

	envString("CLASSLINK_STUDENT_NAME", &c.Student.Name)
	envString("CLASSLINK_STUDENT_CLASS", &c.Student.Class)

	envString("CLASSLINK_DATABASE_PATH", &c.Database.Path)
	envDuration("CLASSLINK_DATABASE_TIMEOUT", &c.Database.Timeout)

	envBool("CLASSLINK_MONITOR_ENABLED", &c.Monitor.Enabled)
	envString("CLASSLINK_MONITOR_HOST", &c.Monitor.Host)
	envInt("CLASSLINK_MONITOR_PORT", &c.Monitor.Port)

	envDuration("CLASSLINK_DISCOVERY_DIAL_TIMEOUT", &c.Discovery.DialTimeout)
	envInt("CLASSLINK_DISCOVERY_CONCURRENCY", &c.Discovery.Concurrency)

	envString("CLASSLINK_LOG_LEVEL", &c.Log.Level)
	envString("CLASSLINK_LOG_FORMAT", &c.Log.Format)
}

// LoadFromFile reads a .json, .jsonc, .yaml or .yml file over the
// defaults. Keys absent from the file keep their default.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// LoadConfigWithPrecedence layers file > environment > defaults. A
// missing file is skipped; a file that exists but does not parse is an
// error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := LoadFromEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.applyFile(path); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
