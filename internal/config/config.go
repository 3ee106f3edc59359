package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Driver string       `yaml:"driver" mapstructure:"driver"`
	Path   string       `yaml:"path" mapstructure:"path"`
	Badger BadgerConfig `yaml:"badger" mapstructure:"badger"`
	Redis  RedisConfig  `yaml:"redis" mapstructure:"redis"`
}

type BadgerConfig struct {
	InMemory   bool `yaml:"in_memory" mapstructure:"in_memory"`
	SyncWrites bool `yaml:"sync_writes" mapstructure:"sync_writes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// Token protects the admin API. A random token is generated when empty.
	Token           string   `yaml:"token" mapstructure:"token"`
	TokenFile       string   `yaml:"token_file" mapstructure:"token_file"`
	BeaconRate      float64  `yaml:"beacon_rate" mapstructure:"beacon_rate"`
	BeaconBurst     int      `yaml:"beacon_burst" mapstructure:"beacon_burst"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig tunes assignment and results.
type EngineConfig struct {
	SignificanceThreshold float64 `yaml:"significance_threshold" mapstructure:"significance_threshold"`
	UnknownRulePolicy     string  `yaml:"unknown_rule_policy" mapstructure:"unknown_rule_policy"`
	RetryAttempts         int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// Load reads configuration from file and environment. An empty file means
// splitgoat.yaml in the working directory, which is optional.
func Load(file string) (*Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("splitgoat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SPLITGOAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./splitgoat.db")
	v.SetDefault("store.badger.in_memory", false)
	v.SetDefault("store.badger.sync_writes", false)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "splitgoat")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.token", "")
	v.SetDefault("server.token_file", "")
	v.SetDefault("server.beacon_rate", 50)
	v.SetDefault("server.beacon_burst", 100)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.significance_threshold", 0.95)
	v.SetDefault("engine.unknown_rule_policy", "fail_open")
	v.SetDefault("engine.retry_attempts", 3)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "badger":
		if c.Store.Path == "" && !(c.Store.Driver == "badger" && c.Store.Badger.InMemory) {
			problems = append(problems, "store.path is required for "+c.Store.Driver)
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			problems = append(problems, "store.redis.addr is required")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of sqlite, badger, redis, memory", c.Store.Driver))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.BeaconRate <= 0 || c.Server.BeaconBurst < 1 {
		problems = append(problems, "server.beacon_rate and server.beacon_burst must be positive")
	}
	if t := c.Engine.SignificanceThreshold; t <= 0.5 || t >= 1 {
		problems = append(problems, fmt.Sprintf("engine.significance_threshold %g must be in (0.5, 1)", t))
	}
	switch c.Engine.UnknownRulePolicy {
	case "fail_open", "fail_closed":
	default:
		problems = append(problems, fmt.Sprintf("engine.unknown_rule_policy %q is not fail_open or fail_closed", c.Engine.UnknownRulePolicy))
	}
	if c.Engine.RetryAttempts < 1 {
		problems = append(problems, "engine.retry_attempts must be at least 1")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger and returns it.
func InitLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return logger, nil
}
