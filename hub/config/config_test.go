package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"download_dir": "/tmp/files",
			"max_file_bytes": 5242880
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"relay": {
			"max_console_msg_bytes": 32768
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.DownloadDir != "/tmp/files" {
		t.Errorf("Server.DownloadDir: got %q", cfg.Server.DownloadDir)
	}
	if cfg.Server.MaxFileBytes != 5242880 {
		t.Errorf("Server.MaxFileBytes: got %d", cfg.Server.MaxFileBytes)
	}

	if cfg.Auth.JWTSecret != "my-super-secret-jwt-key-at-least-32" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("Auth.InitialAdmin: got %+v", cfg.Auth.InitialAdmin)
	}

	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v", cfg.Storage.Retention.Duration)
	}
	// AuditRetention defaults to Retention.
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v", cfg.Storage.AuditRetention.Duration)
	}

	if cfg.Relay.MaxConsoleMsgBytes != 32768 {
		t.Errorf("Relay.MaxConsoleMsgBytes: got %d", cfg.Relay.MaxConsoleMsgBytes)
	}
	// Unset relay field falls back to its default.
	if cfg.Relay.MaxAgentMsgBytes != 1024*1024 {
		t.Errorf("Relay.MaxAgentMsgBytes default: got %d", cfg.Relay.MaxAgentMsgBytes)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":9090"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver default: got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "fleetrelay.db" {
		t.Errorf("Storage.DSN default: got %q", cfg.Storage.DSN)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("Auth.JWTExpiry default: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults: got %+v", cfg.Logging)
	}
	if cfg.Server.DownloadDir != "./fleetrelay-files" {
		t.Errorf("Server.DownloadDir default: got %q", cfg.Server.DownloadDir)
	}
	if cfg.Server.MaxFileBytes != 10*1024*1024 {
		t.Errorf("Server.MaxFileBytes default: got %d", cfg.Server.MaxFileBytes)
	}
	if cfg.Storage.Retention.Duration != 30*24*time.Hour {
		t.Errorf("Storage.Retention default: got %v", cfg.Storage.Retention.Duration)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			"missing addr",
			`{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}}`,
			"server.addr",
		},
		{
			"missing jwt secret",
			`{"server": {"addr": ":8080"}}`,
			"jwt_secret",
		},
		{
			"short jwt secret",
			`{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`,
			"32 characters",
		},
		{
			"weak jwt secret",
			`{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			"weak secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.json))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef", "jwt_expiry": 3600}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTExpiry.Duration != time.Hour {
		t.Errorf("numeric duration: got %v, want 1h", cfg.Auth.JWTExpiry.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	s1, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(s1))
	}
	if s1 == s2 {
		t.Error("two generated secrets should differ")
	}
}
