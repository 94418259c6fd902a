package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/quangdang46/Course-Marketplace/shared/env"
)

// GlobalConfig holds the settings every service in the repo shares
type GlobalConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`

	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Cache      CacheConfig      `json:"cache"`
	Blockchain BlockchainConfig `json:"blockchain"`
	API        APIConfig        `json:"api"`
	Monitoring MonitoringConfig `json:"monitoring"`
}

// RateLimitConfig bounds outbound calls to the backend
type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute"`
	BurstSize         int  `json:"burst_size"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	RedisHost     string        `json:"redis_host"`
	RedisPort     int           `json:"redis_port"`
	RedisPassword string        `json:"-"`
	RedisDB       int           `json:"redis_db"`
	DefaultTTL    time.Duration `json:"default_ttl"`
}

// BlockchainConfig holds blockchain settings
type BlockchainConfig struct {
	DefaultChain string        `json:"default_chain"`
	RPCTimeout   time.Duration `json:"rpc_timeout"`
	PollInterval time.Duration `json:"poll_interval"`

	// Chain-specific configs keyed by CAIP-2 id
	Chains map[string]ChainConfig `json:"chains"`
}

// ChainConfig holds chain-specific settings
type ChainConfig struct {
	ChainID        string `json:"chain_id"`
	NumericID      int64  `json:"numeric_id"`
	RPCURL         string `json:"rpc_url"`
	WSURL          string `json:"ws_url"`
	ExplorerURL    string `json:"explorer_url"`
	NativeCurrency string `json:"native_currency"`
	BlockTime      int    `json:"block_time"` // seconds
}

// APIConfig holds the local HTTP server settings
type APIConfig struct {
	ListenAddr      string        `json:"listen_addr"`
	MaxRequestSize  int64         `json:"max_request_size"`
	RequestTimeout  time.Duration `json:"request_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	EnableMetrics   bool          `json:"enable_metrics"`
}

// MonitoringConfig holds monitoring settings
type MonitoringConfig struct {
	SentryDSN       string  `json:"-"`
	SentryEnv       string  `json:"sentry_env"`
	TracingSampling float64 `json:"tracing_sampling"`
	HealthCheckPath string  `json:"health_check_path"`
	MetricsPath     string  `json:"metrics_path"`
	LogLevel        string  `json:"log_level"`
}

// LoadConfig loads configuration from environment and files
func LoadConfig() (*GlobalConfig, error) {
	_ = godotenv.Load()

	config := &GlobalConfig{
		ServiceName:    env.GetString("SERVICE_NAME", "wallet-session"),
		ServiceVersion: env.GetString("SERVICE_VERSION", "unknown"),
		Environment:    env.GetString("ENVIRONMENT", "development"),

		RateLimit: RateLimitConfig{
			Enabled:           env.GetBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute: env.GetInt("RATE_LIMIT_RPM", 120),
			BurstSize:         env.GetInt("RATE_LIMIT_BURST", 10),
		},

		Cache: CacheConfig{
			RedisHost:     env.GetString("REDIS_HOST", ""),
			RedisPort:     env.GetInt("REDIS_PORT", 6379),
			RedisPassword: env.GetString("REDIS_PASSWORD", ""),
			RedisDB:       env.GetInt("REDIS_DB", 0),
			DefaultTTL:    env.GetDuration("CACHE_DEFAULT_TTL", 7*24*time.Hour),
		},

		Blockchain: BlockchainConfig{
			DefaultChain: env.GetString("DEFAULT_CHAIN", "eip155:11155111"),
			RPCTimeout:   env.GetDuration("RPC_TIMEOUT", 15*time.Second),
			PollInterval: env.GetDuration("TRANSFER_POLL_INTERVAL", 12*time.Second),
			Chains:       loadChainConfigs(),
		},

		API: APIConfig{
			ListenAddr:      env.GetString("HTTP_LISTEN_ADDR", ":8088"),
			MaxRequestSize:  env.GetInt64("MAX_REQUEST_SIZE", 10*1024*1024), // 10MB
			RequestTimeout:  env.GetDuration("REQUEST_TIMEOUT", 30*time.Second),
			IdleTimeout:     env.GetDuration("IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  env.GetStringSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			EnableMetrics:   env.GetBool("ENABLE_METRICS", true),
		},

		Monitoring: MonitoringConfig{
			SentryDSN:       env.GetString("SENTRY_DSN", ""),
			SentryEnv:       env.GetString("SENTRY_ENVIRONMENT", "development"),
			TracingSampling: env.GetFloat("TRACING_SAMPLING", 0.1),
			HealthCheckPath: env.GetString("HEALTH_CHECK_PATH", "/health"),
			MetricsPath:     env.GetString("METRICS_PATH", "/metrics"),
			LogLevel:        env.GetString("LOG_LEVEL", "info"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *GlobalConfig) Validate() error {
	if _, ok := c.Blockchain.Chains[c.Blockchain.DefaultChain]; !ok {
		return fmt.Errorf("no RPC configured for DEFAULT_CHAIN %q", c.Blockchain.DefaultChain)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	return nil
}

// Chain returns the settings of the default chain
func (c *GlobalConfig) Chain() ChainConfig {
	return c.Blockchain.Chains[c.Blockchain.DefaultChain]
}

func loadChainConfigs() map[string]ChainConfig {
	chains := make(map[string]ChainConfig)

	if rpc := os.Getenv("ETH_MAINNET_RPC"); rpc != "" {
		chains["eip155:1"] = ChainConfig{
			ChainID:        "eip155:1",
			NumericID:      1,
			RPCURL:         rpc,
			WSURL:          os.Getenv("ETH_MAINNET_WS"),
			ExplorerURL:    "https://etherscan.io",
			NativeCurrency: "ETH",
			BlockTime:      12,
		}
	}

	if rpc := os.Getenv("SEPOLIA_RPC"); rpc != "" {
		chains["eip155:11155111"] = ChainConfig{
			ChainID:        "eip155:11155111",
			NumericID:      11155111,
			RPCURL:         rpc,
			WSURL:          os.Getenv("SEPOLIA_WS"),
			ExplorerURL:    "https://sepolia.etherscan.io",
			NativeCurrency: "ETH",
			BlockTime:      12,
		}
	}

	// Local hardhat/anvil node
	if rpc := os.Getenv("LOCAL_RPC"); rpc != "" {
		chains["eip155:31337"] = ChainConfig{
			ChainID:        "eip155:31337",
			NumericID:      31337,
			RPCURL:         rpc,
			WSURL:          os.Getenv("LOCAL_WS"),
			NativeCurrency: "ETH",
			BlockTime:      1,
		}
	}

	return chains
}
