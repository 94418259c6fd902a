package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/quangdang46/Course-Marketplace/shared/env"
)

// Config holds TLS configuration
type Config struct {
	CertFile     string // Server or client certificate file
	KeyFile      string // Server or client key file
	CAFile       string // CA certificate file for verification
	ServerName   string // Expected server name for client connections
	ClientAuth   bool   // Whether to require client certificates (server only)
	InsecureSkip bool   // Skip certificate verification (development only)
}

// Enabled reports whether a server certificate is configured
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

var cipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
}

// LoadServerConfig builds the TLS config for an HTTPS listener
func LoadServerConfig(config Config) (*tls.Config, error) {
	if config.InsecureSkip {
		return nil, fmt.Errorf("insecure mode not allowed for server")
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificates: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
	}

	if config.ClientAuth && config.CAFile != "" {
		pool, err := loadPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

// LoadClientConfig builds the TLS config for outbound HTTPS calls. With no
// CA file the system roots are used.
func LoadClientConfig(config Config) (*tls.Config, error) {
	if config.InsecureSkip {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // development only
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
		ServerName:   config.ServerName,
	}

	if config.CAFile != "" {
		pool, err := loadPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificates: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// ServerConfigFromEnv reads TLS_CERT_FILE, TLS_KEY_FILE, TLS_CA_FILE and TLS_CLIENT_AUTH
func ServerConfigFromEnv() Config {
	return Config{
		CertFile:   env.GetString("TLS_CERT_FILE", ""),
		KeyFile:    env.GetString("TLS_KEY_FILE", ""),
		CAFile:     env.GetString("TLS_CA_FILE", ""),
		ClientAuth: env.GetBool("TLS_CLIENT_AUTH", false),
	}
}

// ClientConfigFromEnv reads the BACKEND_TLS_* variables
func ClientConfigFromEnv() Config {
	return Config{
		CertFile:     env.GetString("BACKEND_TLS_CERT_FILE", ""),
		KeyFile:      env.GetString("BACKEND_TLS_KEY_FILE", ""),
		CAFile:       env.GetString("BACKEND_TLS_CA_FILE", ""),
		ServerName:   env.GetString("BACKEND_TLS_SERVER_NAME", ""),
		InsecureSkip: env.GetBool("BACKEND_TLS_INSECURE", false),
	}
}

func loadPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
