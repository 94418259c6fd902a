package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("SEPOLIA_RPC", "http://127.0.0.1:8545")
	t.Setenv("DEFAULT_CHAIN", "eip155:11155111")
	t.Setenv("TOKEN_CONTRACT", "0x1111111111111111111111111111111111111111")
	t.Setenv("BACKEND_BASE_URL", "https://api.example.com/")
}

func TestNewConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, MessageFormatNonce, cfg.Auth.MessageFormat)
	assert.Equal(t, "https://api.example.com/", cfg.Backend.BaseURL)
	assert.Equal(t, int64(11155111), cfg.Global.Chain().NumericID)
	assert.False(t, cfg.UseRedis())
	assert.Equal(t, 512, cfg.AvatarMaxDim)
	assert.True(t, cfg.Auth.AutoAuthenticate)
	assert.False(t, cfg.ServerTLS.Enabled())
}

func TestNewConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"relative backend", "BACKEND_BASE_URL", "api/"},
		{"bad contract", "TOKEN_CONTRACT", "0x123"},
		{"unknown format", "AUTH_MESSAGE_FORMAT", "eip712"},
		{"missing chain", "DEFAULT_CHAIN", "eip155:1"},
		{"cert without key", "TLS_CERT_FILE", "/certs/api.crt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}
