package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/engagement/orchestration/pkg/config"
)

// TLSOptions describes how the client secures its Redis connection.
// Fields map 1:1 to the REDIS_TLS* environment variables.
type TLSOptions struct {
	Enabled    bool
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

// TLSOptionsFromEnv reads REDIS_TLS, REDIS_TLS_CA, REDIS_TLS_CERT,
// REDIS_TLS_KEY and REDIS_TLS_SERVER_NAME. Unset variables leave TLS
// disabled with no files configured.
func TLSOptionsFromEnv() TLSOptions {
	return TLSOptions{
		Enabled:    config.GetEnvBool("REDIS_TLS", false),
		CAFile:     config.GetEnv("REDIS_TLS_CA", ""),
		CertFile:   config.GetEnv("REDIS_TLS_CERT", ""),
		KeyFile:    config.GetEnv("REDIS_TLS_KEY", ""),
		ServerName: config.GetEnv("REDIS_TLS_SERVER_NAME", ""),
	}
}

// Build assembles the tls.Config. It returns (nil, nil) when TLS is
// disabled so the result can be assigned to Config.TLS unconditionally.
func (o TLSOptions) Build() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if (o.CertFile == "") != (o.KeyFile == "") {
		return nil, fmt.Errorf("redis tls: client cert and key must be set together")
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: o.ServerName,
	}

	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls: ca file %s holds no valid certificates", o.CAFile)
		}
		cfg.RootCAs = pool
	}

	if o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// TLSConfigFromEnv builds the client TLS config straight from the
// environment, the common path for both binaries.
func TLSConfigFromEnv() (*tls.Config, error) {
	return TLSOptionsFromEnv().Build()
}
