package redis

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTLSOptionsFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_TLS_CA", "")
	t.Setenv("REDIS_TLS_CERT", "")
	t.Setenv("REDIS_TLS_KEY", "")
	t.Setenv("REDIS_TLS_SERVER_NAME", "")

	cfg, err := TLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil tls config when REDIS_TLS is unset")
	}
}

func TestTLSOptionsFromEnvUnparseableStaysDisabled(t *testing.T) {
	t.Setenv("REDIS_TLS", "not-bool")

	opts := TLSOptionsFromEnv()
	if opts.Enabled {
		t.Fatal("expected unparseable REDIS_TLS to fall back to disabled")
	}
}

func TestTLSOptionsBuildRequiresCertKeyPair(t *testing.T) {
	opts := TLSOptions{Enabled: true, CertFile: "/tmp/redis-client-cert.pem"}

	if _, err := opts.Build(); err == nil {
		t.Fatal("expected error when cert is set without key")
	}
}

func TestTLSOptionsBuildBasicConfig(t *testing.T) {
	opts := TLSOptions{Enabled: true, ServerName: "redis.internal"}

	cfg, err := opts.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil tls config")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("unexpected min tls version: %d", cfg.MinVersion)
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected server name: %s", cfg.ServerName)
	}
}

func TestTLSOptionsBuildRejectsInvalidCA(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "invalid-ca.pem")
	if err := os.WriteFile(caPath, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write temp ca file: %v", err)
	}

	opts := TLSOptions{Enabled: true, CAFile: caPath}

	_, err := opts.Build()
	if err == nil {
		t.Fatal("expected error for invalid ca file")
	}
	if !strings.Contains(err.Error(), "no valid certificates") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTLSConfigFromEnvReadsNewNames(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CA", "")
	t.Setenv("REDIS_TLS_CERT", "")
	t.Setenv("REDIS_TLS_KEY", "")
	t.Setenv("REDIS_TLS_SERVER_NAME", "cache.engagement.internal")

	cfg, err := TLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected tls config when REDIS_TLS=true")
	}
	if cfg.ServerName != "cache.engagement.internal" {
		t.Fatalf("unexpected server name: %s", cfg.ServerName)
	}
}
