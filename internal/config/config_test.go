package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/admatch/pkg/crypto"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	params, err := cfg.Parameters()
	require.NoError(t, err)
	assert.Equal(t, 256, params.Width())
	assert.Equal(t, crypto.PN13, params.Preset())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crypto:
  width: 128
server:
  port: 9000
session:
  max_ttl: 2h
  evaluators: 4
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Crypto.Width)
	assert.Equal(t, "pn13", cfg.Crypto.Preset, "unset fields keep defaults")
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 2*time.Hour, cfg.Session.MaxTTL)
	assert.Equal(t, 4, cfg.Session.Evaluators)

	logger := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Crypto, cfg.Crypto)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"syntax", "crypto: ["},
		{"width too large", "crypto: {width: 5000}"},
		{"zero width", "crypto: {width: -1}"},
		{"unknown preset", "crypto: {preset: pn99}"},
		{"port", "server: {port: 70000}"},
		{"half tls", "server: {tls_cert: cert.pem}"},
		{"ttl", "session: {max_ttl: 0s}"},
		{"evaluators", "session: {evaluators: 0}"},
		{"log level", "log: {level: loud}"},
		{"log format", "log: {format: xml}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
