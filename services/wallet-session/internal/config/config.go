package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	sharedconfig "github.com/quangdang46/Course-Marketplace/shared/config"
	"github.com/quangdang46/Course-Marketplace/shared/env"
	"github.com/quangdang46/Course-Marketplace/shared/redis"
	"github.com/quangdang46/Course-Marketplace/shared/timeout"
	sharedtls "github.com/quangdang46/Course-Marketplace/shared/tls"
)

const (
	MessageFormatNonce = "nonce"
	MessageFormatSIWE  = "siwe"
)

// BackendConfig points at the course marketplace REST API
type BackendConfig struct {
	BaseURL       string
	RetryAttempts int
	BreakerTrips  uint32
	BreakerReset  time.Duration
}

// TokenConfig names the platform's ERC-20 token
type TokenConfig struct {
	Contract string
	Symbol   string
	// Decimals of zero means "ask the contract"
	Decimals int
	// WatchRetryDelay is the first backoff step when the Transfer
	// subscription fails
	WatchRetryDelay time.Duration
}

// WalletConfig locates the keystore the connector signs with
type WalletConfig struct {
	KeystoreDir    string
	Account        string
	Passphrase     string `json:"-"`
	PassphraseFile string
}

// AuthConfig shapes the challenge message
type AuthConfig struct {
	MessageFormat string
	SIWEDomain    string
	SIWEURI       string
	Statement     string
	// AutoAuthenticate starts the handshake as soon as an account connects
	AutoAuthenticate bool
	// TokenTTL bounds how long a persisted token is kept when it carries no exp
	TokenTTL time.Duration
}

// Config contains configuration for the wallet session service
type Config struct {
	Global       *sharedconfig.GlobalConfig
	Timeouts     *timeout.TimeoutConfig
	Backend      BackendConfig
	Token        TokenConfig
	Wallet       WalletConfig
	Auth         AuthConfig
	RedisConfig  redis.RedisConfig
	AvatarMaxDim int
	// ServerTLS serves the local API over HTTPS when a certificate is set
	ServerTLS  sharedtls.Config
	BackendTLS sharedtls.Config
}

// NewConfig creates and loads configuration from environment variables
func NewConfig() (*Config, error) {
	global, err := sharedconfig.LoadConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Global:   global,
		Timeouts: timeout.LoadTimeoutConfig(),
		Backend: BackendConfig{
			BaseURL:       env.GetString("BACKEND_BASE_URL", "http://localhost:8080/"),
			RetryAttempts: env.GetInt("BACKEND_RETRY_ATTEMPTS", 3),
			BreakerTrips:  uint32(env.GetInt("BACKEND_BREAKER_TRIPS", 5)),
			BreakerReset:  env.GetDuration("BACKEND_BREAKER_RESET", 30*time.Second),
		},
		Token: TokenConfig{
			Contract: env.GetString("TOKEN_CONTRACT", ""),
			Symbol:   env.GetString("TOKEN_SYMBOL", "YD"),
			Decimals: env.GetInt("TOKEN_DECIMALS", 0),

			WatchRetryDelay: env.GetDuration("TRANSFER_WATCH_RETRY_DELAY", 500*time.Millisecond),
		},
		Wallet: WalletConfig{
			KeystoreDir:    env.GetString("KEYSTORE_DIR", "./keystore"),
			Account:        env.GetString("WALLET_ACCOUNT", ""),
			Passphrase:     env.GetString("WALLET_PASSPHRASE", ""),
			PassphraseFile: env.GetString("WALLET_PASSPHRASE_FILE", ""),
		},
		Auth: AuthConfig{
			MessageFormat:    strings.ToLower(env.GetString("AUTH_MESSAGE_FORMAT", MessageFormatNonce)),
			SIWEDomain:       env.GetString("SIWE_DOMAIN", "localhost:3000"),
			SIWEURI:          env.GetString("SIWE_URI", "http://localhost:3000"),
			Statement:        env.GetString("SIWE_STATEMENT", "Sign in to the course marketplace."),
			AutoAuthenticate: env.GetBool("AUTH_AUTO_START", true),
			TokenTTL:         env.GetDuration("SESSION_TOKEN_TTL", 24*time.Hour),
		},
		RedisConfig: redis.RedisConfig{
			RedisHost:     global.Cache.RedisHost,
			RedisPort:     global.Cache.RedisPort,
			RedisPassword: global.Cache.RedisPassword,
			RedisDB:       global.Cache.RedisDB,
		},
		AvatarMaxDim: env.GetInt("AVATAR_MAX_DIMENSION", 512),
		ServerTLS:    sharedtls.ServerConfigFromEnv(),
		BackendTLS:   sharedtls.ClientConfigFromEnv(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute URL, got %q", c.Backend.BaseURL)
	}
	if !common.IsHexAddress(c.Token.Contract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a hex address, got %q", c.Token.Contract)
	}
	switch c.Auth.MessageFormat {
	case MessageFormatNonce, MessageFormatSIWE:
	default:
		return fmt.Errorf("AUTH_MESSAGE_FORMAT must be %q or %q", MessageFormatNonce, MessageFormatSIWE)
	}
	if (c.ServerTLS.CertFile == "") != (c.ServerTLS.KeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.Token.Decimals < 0 || c.Token.Decimals > 77 {
		return fmt.Errorf("TOKEN_DECIMALS out of range: %d", c.Token.Decimals)
	}
	return nil
}

// UseRedis reports whether a durable Redis store is configured
func (c *Config) UseRedis() bool {
	return c.RedisConfig.RedisHost != ""
}
