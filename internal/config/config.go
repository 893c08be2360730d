package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Chat      ChatConfig      `yaml:"chat"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// RedisConfig holds cache connection configuration
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// WebSocketConfig holds WebSocket transport configuration
type WebSocketConfig struct {
	// MaxPayloadBytes is the per-frame read limit
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" env:"WEBSOCKET_MAX_PAYLOAD_BYTES"`
	// SendBufferSize is the per-connection outbound queue length
	SendBufferSize int `yaml:"send_buffer_size" env:"WEBSOCKET_SEND_BUFFER_SIZE"`
	// PingIntervalSeconds is the protocol-level keep-alive interval
	PingIntervalSeconds int `yaml:"ping_interval_seconds" env:"WEBSOCKET_PING_INTERVAL_SECONDS"`
	// PongTimeoutSeconds is the read deadline refreshed by each pong
	PongTimeoutSeconds int `yaml:"pong_timeout_seconds" env:"WEBSOCKET_PONG_TIMEOUT_SECONDS"`
	// EnableCompression negotiates permessage-deflate on upgrade
	EnableCompression bool `yaml:"enable_compression" env:"WEBSOCKET_ENABLE_COMPRESSION"`
}

// ChatConfig holds chat history configuration
type ChatConfig struct {
	// MessageLimit bounds the retained history per room
	MessageLimit int `yaml:"message_limit" env:"CHAT_MESSAGE_LIMIT"`
	// HistoryTTL bounds the lifetime of a cached chat bucket
	HistoryTTL time.Duration `yaml:"history_ttl" env:"CHAT_HISTORY_TTL"`
}

// SessionConfig holds session policy configuration
type SessionConfig struct {
	// PreventDuplicate evicts older sessions for the same user on connect
	PreventDuplicate bool `yaml:"prevent_duplicate" env:"SESSION_PREVENT_DUPLICATE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
}

// Load loads configuration from a YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     "6379",
			Password: "",
			DB:       0,
		},
		WebSocket: WebSocketConfig{
			MaxPayloadBytes:     1 << 20, // 1 MiB
			SendBufferSize:      256,
			PingIntervalSeconds: 30,
			PongTimeoutSeconds:  60,
			EnableCompression:   true,
		},
		Chat: ChatConfig{
			MessageLimit: 100,
			HistoryTTL:   24 * time.Hour,
		},
		Session: SessionConfig{
			PreventDuplicate: false,
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, configFile string) error {
	data, err := os.ReadFile(configFile) // #nosec G304 - config path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// overrideWithEnv walks the config struct and applies values from
// environment variables named in each field's env tag.
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Duration(0)) {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}
	return nil
}

// setFieldFromString sets a struct field from a string value
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}
	return nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Redis.Host == "" || c.Redis.Port == "" {
		return fmt.Errorf("redis host and port are required")
	}
	if c.Chat.MessageLimit <= 0 {
		return fmt.Errorf("chat message limit must be positive")
	}
	if c.Chat.HistoryTTL <= 0 {
		return fmt.Errorf("chat history TTL must be positive")
	}
	if c.WebSocket.MaxPayloadBytes <= 0 {
		return fmt.Errorf("websocket max payload must be positive")
	}
	if c.WebSocket.PongTimeoutSeconds <= c.WebSocket.PingIntervalSeconds {
		return fmt.Errorf("websocket pong timeout must exceed ping interval")
	}
	return nil
}

// ListenAddress returns the host:port the server binds to
func (c *Config) ListenAddress() string {
	return c.Server.Interface + ":" + c.Server.Port
}
