// Package config loads parameter server configuration.
//
// Values are resolved in three layers, each overriding the previous one:
// built-in defaults, an optional YAML file, then PS_* environment variables.
// Command line flags are applied on top by the caller.
package config

import (
	"math"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate and by Load for unparsable values.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults. The vector size matches the reference MNIST network
// (conv 1→10 k5, conv 10→20 k5, fc 320→50, fc 50→10).
const (
	DefaultListen       = ":29500"
	DefaultAdminListen  = ":8081"
	DefaultVectorSize   = 21840
	DefaultLearningRate = 0.005
	DefaultSeed         = 42
	DefaultLogLevel     = "info"
)

// Config is the full server configuration.
type Config struct {
	Listen         string        `yaml:"listen"`
	AdminListen    string        `yaml:"admin_listen"`
	LogLevel       string        `yaml:"log_level"`
	VectorSize     int           `yaml:"vector_size"`
	Seed           int64         `yaml:"seed"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	LearningRate   float32       `yaml:"learning_rate"`
	ReplyToSender  bool          `yaml:"reply_to_sender"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:       DefaultListen,
		AdminListen:  DefaultAdminListen,
		LogLevel:     DefaultLogLevel,
		VectorSize:   DefaultVectorSize,
		Seed:         DefaultSeed,
		LearningRate: DefaultLearningRate,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s failed", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s failed", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Listen = getenv("PS_LISTEN", c.Listen)
	c.AdminListen = getenv("PS_ADMIN_LISTEN", c.AdminListen)
	c.LogLevel = getenv("PS_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("PS_VECTOR_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "PS_VECTOR_SIZE %q: %v", v, err)
		}
		c.VectorSize = n
	}
	if v := os.Getenv("PS_LEARNING_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "PS_LEARNING_RATE %q: %v", v, err)
		}
		c.LearningRate = float32(f)
	}
	if v := os.Getenv("PS_SEED"); v != "" {
		s, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "PS_SEED %q: %v", v, err)
		}
		c.Seed = s
	}
	if v := os.Getenv("PS_RECEIVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "PS_RECEIVE_TIMEOUT %q: %v", v, err)
		}
		c.ReceiveTimeout = d
	}
	if v := os.Getenv("PS_REPLY_TO_SENDER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "PS_REPLY_TO_SENDER %q: %v", v, err)
		}
		c.ReplyToSender = b
	}
	return nil
}

// Validate checks the values the server cannot start without.
func (c Config) Validate() error {
	if c.VectorSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "vector size must be at least 1, got %d", c.VectorSize)
	}
	lr := float64(c.LearningRate)
	if math.IsNaN(lr) || math.IsInf(lr, 0) || lr <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "learning rate must be positive, got %v", c.LearningRate)
	}
	if c.ReceiveTimeout < 0 {
		return errors.Wrapf(ErrInvalidConfig, "receive timeout must not be negative, got %v", c.ReceiveTimeout)
	}
	if c.Listen == "" {
		return errors.Wrap(ErrInvalidConfig, "listen address is required")
	}
	return nil
}

// getenv returns the environment variable k, or def when it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
