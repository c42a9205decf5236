package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
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

// RedisConfig holds Redis configuration. Redis is optional: the token
// blacklist, join rate limiter and cross-process bridge are disabled when
// Host is empty.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Addr returns the host:port address for the Redis client
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// AuthConfig holds session-token validation configuration
type AuthConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds JWT validation configuration
type JWTConfig struct {
	Secret        string `yaml:"secret" env:"JWT_SECRET"`
	SigningMethod string `yaml:"signing_method" env:"JWT_SIGNING_METHOD"`
}

// RealtimeConfig holds every tunable of the presence and relay core.
// All values the protocol depends on live here rather than as constants
// in the hub.
type RealtimeConfig struct {
	// HeartbeatInterval is the client-driven application ping cadence
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"REALTIME_HEARTBEAT_INTERVAL"`
	// IdleTimeout is the transport read deadline; a connection with no
	// traffic (including protocol pongs) for this long is considered dead
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"REALTIME_IDLE_TIMEOUT"`
	// PingInterval is the transport-level keepalive ping cadence
	PingInterval time.Duration `yaml:"ping_interval" env:"REALTIME_PING_INTERVAL"`
	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration `yaml:"write_timeout" env:"REALTIME_WRITE_TIMEOUT"`
	// TypingTTL is the inactivity window after which typing state expires
	TypingTTL time.Duration `yaml:"typing_ttl" env:"REALTIME_TYPING_TTL"`
	// SendBufferSize is the per-connection outbound queue depth
	SendBufferSize int `yaml:"send_buffer_size" env:"REALTIME_SEND_BUFFER_SIZE"`
	// MaxMessageSize limits inbound frames in bytes
	MaxMessageSize int64 `yaml:"max_message_size" env:"REALTIME_MAX_MESSAGE_SIZE"`
	// JoinRateLimit is the per-user join-project budget per minute
	// (0 disables the limiter)
	JoinRateLimit int `yaml:"join_rate_limit" env:"REALTIME_JOIN_RATE_LIMIT"`
}

// ReconnectConfig holds client reconnection backoff bounds and the
// client-side debounce windows
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"RECONNECT_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"RECONNECT_MAX_BACKOFF"`
	TypingDebounce time.Duration `yaml:"typing_debounce" env:"RECONNECT_TYPING_DEBOUNCE"`
	CursorDebounce time.Duration `yaml:"cursor_debounce" env:"RECONNECT_CURSOR_DEBOUNCE"`
	SaveDebounce   time.Duration `yaml:"save_debounce" env:"RECONNECT_SAVE_DEBOUNCE"`
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

// Load loads configuration from YAML file with environment variable overrides
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
			Host:     "",
			Port:     "6379",
			Password: "",
			DB:       0,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Secret:        "",
				SigningMethod: "HS256",
			},
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       60 * time.Second,
			PingInterval:      25 * time.Second,
			WriteTimeout:      10 * time.Second,
			TypingTTL:         3 * time.Second,
			SendBufferSize:    256,
			MaxMessageSize:    65536,
			JoinRateLimit:     0,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			TypingDebounce: 300 * time.Millisecond,
			CursorDebounce: 100 * time.Millisecond,
			SaveDebounce:   2500 * time.Millisecond,
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

func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment variables
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
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

func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		// time.Duration fields accept Go duration syntax
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Auth.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if method := strings.ToUpper(c.Auth.JWT.SigningMethod); method != "HS256" && method != "HS384" && method != "HS512" {
		return fmt.Errorf("unsupported jwt signing method: %s", c.Auth.JWT.SigningMethod)
	}

	if c.Realtime.IdleTimeout < 15*time.Second {
		return fmt.Errorf("realtime idle timeout must be at least 15 seconds")
	}
	if c.Realtime.PingInterval >= c.Realtime.IdleTimeout {
		return fmt.Errorf("realtime ping interval must be shorter than the idle timeout")
	}
	if c.Realtime.SendBufferSize <= 0 {
		return fmt.Errorf("realtime send buffer size must be positive")
	}
	if c.Realtime.TypingTTL <= 0 {
		return fmt.Errorf("realtime typing ttl must be positive")
	}

	if c.Reconnect.InitialBackoff <= 0 {
		return fmt.Errorf("reconnect initial backoff must be positive")
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fmt.Errorf("reconnect max backoff must be at least the initial backoff")
	}

	if c.Redis.Host != "" && c.Redis.Port == "" {
		return fmt.Errorf("redis port is required when redis host is set")
	}

	return nil
}
