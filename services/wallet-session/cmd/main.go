package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/config"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/infrastructure/api"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/infrastructure/blockchain"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/infrastructure/httpapi"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/infrastructure/media"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/infrastructure/store"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/infrastructure/wallet"
	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/service"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/monitoring"
	"github.com/quangdang46/Course-Marketplace/shared/redis"
	sharedtls "github.com/quangdang46/Course-Marketplace/shared/tls"
)

// sessionStore is what the service needs from a durable store
type sessionStore interface {
	domain.TokenStore
	domain.ProfileCache
	HealthCheck(ctx context.Context) error
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logging.Default().WithError(err).Fatal("Invalid configuration")
	}

	logCfg := logging.DefaultConfig(cfg.Global.ServiceName)
	logCfg.Level = logging.LogLevel(cfg.Global.Monitoring.LogLevel)
	logCfg.Environment = cfg.Global.Environment
	logCfg.Version = cfg.Global.ServiceVersion
	logger := logging.Init(logCfg)

	enabled, err := monitoring.InitSentry(&monitoring.SentryConfig{
		DSN:              cfg.Global.Monitoring.SentryDSN,
		Environment:      cfg.Global.Monitoring.SentryEnv,
		Release:          cfg.Global.ServiceVersion,
		SampleRate:       1.0,
		TracesSampleRate: cfg.Global.Monitoring.TracingSampling,
		ServiceName:      cfg.Global.ServiceName,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize Sentry")
	} else if enabled {
		defer monitoring.FlushSentry(2 * time.Second)
	}

	m := metrics.NewMetrics("course_marketplace", "wallet_session")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store: Redis when configured, in-process otherwise
	var st sessionStore
	if cfg.UseRedis() {
		redisClient, err := redis.NewRedis(cfg.RedisConfig)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		if err := redisClient.HealthCheck(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to ping Redis")
		}
		st = store.NewRedisStore(redisClient, store.Options{
			ProfileTTL: cfg.Global.Cache.DefaultTTL,
			Timeouts:   cfg.Timeouts,
			Metrics:    m,
			Logger:     logger,
		})
		logger.Info("Using Redis session store")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("REDIS_HOST not set, session tokens will not survive a restart")
	}

	// Chain reader, preferring the websocket endpoint for push subscriptions
	chain := cfg.Global.Chain()
	rpcURL := chain.WSURL
	if rpcURL == "" {
		rpcURL = chain.RPCURL
	}
	chainClient, err := blockchain.Dial(ctx, rpcURL, blockchain.Options{
		ChainID:      chain.ChainID,
		Token:        common.HexToAddress(cfg.Token.Contract),
		Timeouts:     cfg.Timeouts,
		PollInterval: cfg.Global.Blockchain.PollInterval,
		Decimals:     uint8(cfg.Token.Decimals),
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain")
	}
	defer chainClient.Close()

	connector, err := wallet.NewKeystoreConnector(wallet.OpenKeystore(cfg.Wallet.KeystoreDir), wallet.Options{
		Account:        cfg.Wallet.Account,
		Passphrase:     cfg.Wallet.Passphrase,
		PassphraseFile: cfg.Wallet.PassphraseFile,
		Logger:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open keystore")
	}
	defer connector.Close()

	backendTLS, err := sharedtls.LoadClientConfig(cfg.BackendTLS)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load backend TLS config")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = backendTLS

	backend, err := api.NewClient(api.Options{
		BaseURL:           cfg.Backend.BaseURL,
		HTTPClient:        &http.Client{Transport: transport},
		RequestsPerMinute: cfg.Global.RateLimit.RequestsPerMinute,
		Burst:             cfg.Global.RateLimit.BurstSize,
		RetryAttempts:     cfg.Backend.RetryAttempts,
		BreakerTrips:      cfg.Backend.BreakerTrips,
		BreakerReset:      cfg.Backend.BreakerReset,
		Timeouts:          cfg.Timeouts,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create backend client")
	}

	authenticator := service.NewAuthenticator(backend, connector, service.AuthenticatorConfig{
		MessageFormat: cfg.Auth.MessageFormat,
		SIWEDomain:    cfg.Auth.SIWEDomain,
		SIWEURI:       cfg.Auth.SIWEURI,
		Statement:     cfg.Auth.Statement,
		ChainID:       chain.NumericID,
		PromptTimeout: cfg.Timeouts.WalletPrompt,
	}, logger, m)

	manager := service.NewSessionManager(connector, chainClient, authenticator, st, service.ManagerConfig{
		AutoAuthenticate: cfg.Auth.AutoAuthenticate,
		TokenTTL:         cfg.Auth.TokenTTL,
		WatchRetryDelay:  cfg.Token.WatchRetryDelay,
	}, logger, m)
	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start session manager")
	}
	defer manager.Close()

	profiles := service.NewProfileSync(manager, backend, st,
		media.NewAvatarProcessor(cfg.AvatarMaxDim, cfg.Global.API.MaxRequestSize), logger, m)
	profiles.Start()
	defer profiles.Close()

	catalog := service.NewCatalog(backend, backend, manager, logger)

	server := &http.Server{
		Addr: cfg.Global.API.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Session:        manager,
			Profiles:       profiles,
			Catalog:        catalog,
			Proxy:          backend,
			Store:          st,
			Breakers:       backend,
			Metrics:        m,
			Logger:         logger,
			AllowedOrigins: cfg.Global.API.AllowedOrigins,
			Environment:    cfg.Global.Environment,
			MaxUploadSize:  cfg.Global.API.MaxRequestSize,
			ServiceVersion: cfg.Global.ServiceVersion,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.Global.API.IdleTimeout,
	}
	if cfg.ServerTLS.Enabled() {
		server.TLSConfig, err = sharedtls.LoadServerConfig(cfg.ServerTLS)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load server TLS config")
		}
	}

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":  server.Addr,
			"chain": chainClient.GetChainID(),
			"token": cfg.Token.Contract,
			"tls":   server.TLSConfig != nil,
		}).Info("Wallet session service listening")
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down wallet session service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Global.API.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown did not complete")
	}
}
