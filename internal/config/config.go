// Package config loads polyflow settings from an optional YAML file,
// POLYFLOW_* environment variables and built-in defaults, in increasing order
// of precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"polyflow/internal/lease"
)

const EnvPrefix = "POLYFLOW"

// Lease backends.
const (
	LeaseFile = "file"
	LeaseNATS = "nats"
)

type Config struct {
	// Root is the project directory holding statepoints.json and workspace/.
	Root string    `mapstructure:"root" validate:"required"`
	Log  LogConfig `mapstructure:"log"`

	Lease LeaseConfig `mapstructure:"lease"`
	Queue QueueConfig `mapstructure:"queue"`
	HTTP  HTTPConfig  `mapstructure:"http"`

	// Concurrency bounds parallel workspace initialization and local sweeps.
	Concurrency int `mapstructure:"concurrency" validate:"gte=1,lte=1024"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type LeaseConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=file nats"`
	NATSURL string        `mapstructure:"nats_url" validate:"required_if=Backend nats"`
	Bucket  string        `mapstructure:"bucket" validate:"required"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=1s"`
}

type QueueConfig struct {
	RedisAddr   string `mapstructure:"redis_addr" validate:"required"`
	RedisDB     int    `mapstructure:"redis_db" validate:"gte=0,lte=16"`
	Name        string `mapstructure:"name" validate:"required"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=1"`
	MaxRetry    int    `mapstructure:"max_retry" validate:"gte=0"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("lease.backend", LeaseFile)
	v.SetDefault("lease.nats_url", "")
	v.SetDefault("lease.bucket", lease.DefaultKVBucket)
	v.SetDefault("lease.ttl", 30*time.Second)
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.name", "polyflow")
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.max_retry", 3)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("concurrency", 8)
}

// Load reads configuration. path may be empty, in which case polyflow.yaml
// is looked up in the working directory and a missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, so flags bound with
// v.BindPFlag take precedence over everything else.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("polyflow")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		field := stripPrefix(fe.Namespace())
		switch fe.Tag() {
		case "required", "required_if":
			errs = append(errs, fmt.Errorf("config: %s is required", field))
		default:
			errs = append(errs, fmt.Errorf("config: %s has invalid value %v (%s %s)", field, fe.Value(), fe.Tag(), fe.Param()))
		}
	}
	return errors.Join(errs...)
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
