package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Devices   DevicesConfig   `mapstructure:"device_profiles"`
	Buses     []BusConfig     `mapstructure:"buses"`
	Servos    []ServoConfig   `mapstructure:"servos"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled                bool                 `mapstructure:"enabled"`
	JWTSecretEnv           string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration        `mapstructure:"access_token_ttl"`
	MaxFailedLoginAttempts int                  `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration        `mapstructure:"account_lock_duration"`
	Users                  []UserConfig         `mapstructure:"users"`
	MachineTokens          []MachineTokenConfig `mapstructure:"machine_tokens"`
}

// UserConfig is a login with an argon2id password hash.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// MachineTokenConfig grants permissions to the holder of a token whose
// SHA-256 hex digest is TokenHash.
type MachineTokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type BusConfig struct {
	Name         string            `mapstructure:"name"`
	Port         string            `mapstructure:"port"`
	BaudRate     int               `mapstructure:"baud_rate"`
	Protocol     string            `mapstructure:"protocol"`
	LatencyTimer time.Duration     `mapstructure:"latency_timer"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Simulate     bool              `mapstructure:"simulate"`
	SimDevices   []SimDeviceConfig `mapstructure:"sim_devices"`
}

type SimDeviceConfig struct {
	ID    uint8  `mapstructure:"id"`
	Model uint16 `mapstructure:"model"`
}

type ServoConfig struct {
	Name    string            `mapstructure:"name"`
	Bus     string            `mapstructure:"bus"`
	ID      uint8             `mapstructure:"id"`
	Profile string            `mapstructure:"profile"`
	Poll    []string          `mapstructure:"poll"`
	Aliases map[string]string `mapstructure:"aliases"`
}

type TelemetryConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	Channel    string `mapstructure:"channel"`
	HistoryLen int64  `mapstructure:"history_len"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

// PostgresConfig controls sample persistence; it needs database.enabled.
type PostgresConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults setzen
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openservocore")
	v.SetDefault("database.user", "osc")
	v.SetDefault("database.max_connections", 10)

	// Auth Defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	v.SetDefault("device_profiles.search_paths", []string{"device-profiles/vendors"})

	v.SetDefault("telemetry.redis.enabled", false)
	v.SetDefault("telemetry.redis.addr", "localhost:6379")
	v.SetDefault("telemetry.redis.pool_size", 10)
	v.SetDefault("telemetry.redis.channel", "servo:telemetry")
	v.SetDefault("telemetry.redis.history_len", 1000)
	v.SetDefault("telemetry.mqtt.enabled", false)
	v.SetDefault("telemetry.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("telemetry.mqtt.client_id", "openservocore")
	v.SetDefault("telemetry.mqtt.topic_prefix", "servos")
	v.SetDefault("telemetry.mqtt.qos", 0)
	v.SetDefault("telemetry.postgres.enabled", false)

	// OSC_SERVER_HTTP_PORT überschreibt server.http_port
	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyBusDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyBusDefaults() {
	for i := range c.Buses {
		b := &c.Buses[i]
		if b.BaudRate == 0 {
			b.BaudRate = 57600
		}
		if b.Protocol == "" {
			b.Protocol = "2.0"
		}
		if b.LatencyTimer == 0 {
			b.LatencyTimer = 16 * time.Millisecond
		}
	}
}

// Validate checks cross references between buses and servos.
func (c *Config) Validate() error {
	buses := make(map[string]bool, len(c.Buses))
	for _, b := range c.Buses {
		if b.Name == "" {
			return fmt.Errorf("bus without name")
		}
		if buses[b.Name] {
			return fmt.Errorf("duplicate bus %q", b.Name)
		}
		if b.Port == "" && !b.Simulate {
			return fmt.Errorf("bus %q: port required", b.Name)
		}
		buses[b.Name] = true
	}

	names := make(map[string]bool, len(c.Servos))
	for _, s := range c.Servos {
		if !buses[s.Bus] {
			return fmt.Errorf("servo %q: unknown bus %q", s.Name, s.Bus)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate servo %q", s.Name)
		}
		names[s.Name] = true
	}

	if c.Telemetry.Postgres.Enabled && !c.Database.Enabled {
		return fmt.Errorf("telemetry.postgres requires database.enabled")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
