package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":29500", cfg.Listen)
	assert.Equal(t, 21840, cfg.VectorSize)
	assert.Equal(t, float32(0.005), cfg.LearningRate)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Zero(t, cfg.ReceiveTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paramserver.yaml")
	body := []byte(`
listen: 127.0.0.1:7000
vector_size: 4
learning_rate: 0.1
seed: 7
receive_timeout: 30s
reply_to_sender: true
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, DefaultAdminListen, cfg.AdminListen)
	assert.Equal(t, 4, cfg.VectorSize)
	assert.Equal(t, float32(0.1), cfg.LearningRate)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 30*time.Second, cfg.ReceiveTimeout)
	assert.True(t, cfg.ReplyToSender)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paramserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector_size: 4\nlearning_rate: 0.1\n"), 0o600))

	t.Setenv("PS_VECTOR_SIZE", "8")
	t.Setenv("PS_LEARNING_RATE", "0.25")
	t.Setenv("PS_SEED", "99")
	t.Setenv("PS_RECEIVE_TIMEOUT", "2s")
	t.Setenv("PS_LISTEN", ":9000")
	t.Setenv("PS_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.VectorSize)
	assert.Equal(t, float32(0.25), cfg.LearningRate)
	assert.Equal(t, int64(99), cfg.Seed)
	assert.Equal(t, 2*time.Second, cfg.ReceiveTimeout)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadBadEnv(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "PS_VECTOR_SIZE", value: "four"},
		{key: "PS_LEARNING_RATE", value: "fast"},
		{key: "PS_SEED", value: "1.5"},
		{key: "PS_RECEIVE_TIMEOUT", value: "soon"},
		{key: "PS_REPLY_TO_SENDER", value: "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero size", mutate: func(c *Config) { c.VectorSize = 0 }},
		{name: "negative size", mutate: func(c *Config) { c.VectorSize = -3 }},
		{name: "zero learning rate", mutate: func(c *Config) { c.LearningRate = 0 }},
		{name: "negative learning rate", mutate: func(c *Config) { c.LearningRate = -0.1 }},
		{name: "negative timeout", mutate: func(c *Config) { c.ReceiveTimeout = -time.Second }},
		{name: "empty listen", mutate: func(c *Config) { c.Listen = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}
