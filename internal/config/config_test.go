package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func load(t *testing.T, args []string, vars map[string]string) (*Config, error) {
	t.Helper()
	cfg := New()
	cfg.SetOutput(io.Discard)
	return cfg, cfg.load(args, env(vars))
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellular.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB2", cfg.SerialPort)
	assert.Equal(t, 115200, cfg.BaudRate)
	assert.Equal(t, "RDY", cfg.DeviceReadyURC)
	assert.Equal(t, "redis://127.0.0.1:6379", cfg.RedisURL)
	assert.Equal(t, 8*time.Second, cfg.ATTimeout())
	assert.Equal(t, time.Duration(0), cfg.StartDelayMax())
	assert.Equal(t, 30*time.Minute, cfg.ConnectTimeout)
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32, 64, 128, 600, 1200}, cfg.Policy().Seconds())
	assert.False(t, cfg.Mux)
	assert.Empty(t, cfg.Explicit())
}

func TestLayering(t *testing.T) {
	path := writeFile(t, `
apn: internet.file
plmn: "24412"
baud_rate: 57600
retry_backoff_seconds: [5, 10]
connect_timeout: 2m
mux: true
`)

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := load(t, []string{"-config", path}, nil)
		require.NoError(t, err)
		assert.Equal(t, "internet.file", cfg.APN)
		assert.Equal(t, "24412", cfg.PLMN)
		assert.Equal(t, 57600, cfg.BaudRate)
		assert.Equal(t, []int{5, 10}, cfg.RetryBackoffSeconds)
		assert.Equal(t, 2*time.Minute, cfg.ConnectTimeout)
		assert.True(t, cfg.Mux)
		assert.Equal(t, path, cfg.ConfigFile)
	})

	t.Run("environment over file", func(t *testing.T) {
		cfg, err := load(t, []string{"-config", path}, map[string]string{
			"APN":                   "internet.env",
			"RETRY_BACKOFF_SECONDS": "3, 6,9",
			"MUX_ENABLED":           "false",
		})
		require.NoError(t, err)
		assert.Equal(t, "internet.env", cfg.APN)
		assert.Equal(t, []int{3, 6, 9}, cfg.RetryBackoffSeconds)
		assert.False(t, cfg.Mux)
		assert.Equal(t, 57600, cfg.BaudRate)
	})

	t.Run("flags over environment", func(t *testing.T) {
		cfg, err := load(t, []string{"-config", path, "-apn", "internet.flag", "-retry-backoff", "7"},
			map[string]string{"APN": "internet.env", "BAUD_RATE": "9600"})
		require.NoError(t, err)
		assert.Equal(t, "internet.flag", cfg.APN)
		assert.Equal(t, []int{7}, cfg.RetryBackoffSeconds)
		assert.Equal(t, 9600, cfg.BaudRate)
		assert.ElementsMatch(t, []string{"config", "apn", "retry-backoff"}, cfg.Explicit())
	})

	t.Run("config file from environment", func(t *testing.T) {
		cfg, err := load(t, nil, map[string]string{"CONFIG_FILE": path})
		require.NoError(t, err)
		assert.Equal(t, "internet.file", cfg.APN)
	})
}

func TestSecretsFromEnvironment(t *testing.T) {
	cfg, err := load(t, nil, map[string]string{
		"SIM_PIN":      "1234",
		"SIM_PUK":      "12345678",
		"APN_USERNAME": "user",
		"APN_PASSWORD": "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "1234", cfg.SimPin)
	assert.Equal(t, "12345678", cfg.SimPuk)
	assert.Equal(t, "user", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "unknown flag", args: []string{"-bogus"}},
		{name: "empty policy", args: []string{"-retry-backoff", ""}},
		{name: "policy too long", args: []string{"-retry-backoff", "1,1,1,1,1,1,1,1,1,1,1"}},
		{name: "zero delay", args: []string{"-retry-backoff", "1,0"}},
		{name: "bad baud", args: []string{"-baud", "0"}},
		{name: "negative AT timeout", args: []string{"-at-timeout", "-1"}},
		{name: "negative start delay", args: []string{"-start-delay-max", "-5"}},
		{name: "negative connect timeout", args: []string{"-connect-timeout", "-1s"}},
		{name: "short PLMN", args: []string{"-plmn", "2441"}},
		{name: "PLMN with letters", args: []string{"-plmn", "244ab"}},
		{name: "empty serial port", args: []string{"-serial-port", ""}},
		{name: "bad env number", env: map[string]string{"BAUD_RATE": "fast"}},
		{name: "bad env bool", env: map[string]string{"MUX_ENABLED": "maybe"}},
		{name: "missing file", args: []string{"-config", "/nonexistent/cellular.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args, tt.env)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestBadYAML(t *testing.T) {
	path := writeFile(t, "baud_rate: [1, 2\n")
	_, err := load(t, []string{"-config", path}, nil)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestHelp(t *testing.T) {
	_, err := load(t, []string{"-h"}, nil)
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestPLMNLengths(t *testing.T) {
	for _, plmn := range []string{"24412", "310260"} {
		_, err := load(t, []string{"-plmn", plmn}, nil)
		assert.NoError(t, err, plmn)
	}
}
