package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fleetrelay/fleetrelay/hub/config"
)

func TestRunWritesLoadableConfig(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hub.json")

	// Answers: listen addr, download dir, admin user, admin password,
	// driver choice, sqlite path.
	input := strings.NewReader(":9090\n\nwizadmin\nhunter2hunter2\n1\n\n")
	var buf bytes.Buffer
	w := New(&Prompter{In: input, Out: &buf})

	if err := w.Run(out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := config.Load(out)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %q", cfg.Storage.Driver)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "wizadmin" {
		t.Errorf("InitialAdmin: got %+v", cfg.Auth.InitialAdmin)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("JWT secret should be auto-generated, got %q", cfg.Auth.JWTSecret)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode: got %v, want 0600", info.Mode().Perm())
	}
}

func TestRunDefaultsUsesEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hub.json")
	t.Setenv("FLEETRELAY_ADDR", ":7070")
	t.Setenv("FLEETRELAY_ADMIN_USER", "envadmin")
	t.Setenv("FLEETRELAY_ADMIN_PASSWORD", "envpassword123")
	t.Setenv("FLEETRELAY_STORAGE_DRIVER", "sqlite")
	t.Setenv("FLEETRELAY_STORAGE_DSN", "env.db")

	var buf bytes.Buffer
	w := New(&Prompter{In: strings.NewReader(""), Out: &buf})
	if err := w.RunDefaults(out); err != nil {
		t.Fatalf("RunDefaults: %v", err)
	}

	cfg, err := config.Load(out)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != "env.db" {
		t.Errorf("Storage.DSN: got %q", cfg.Storage.DSN)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Password != "envpassword123" {
		t.Error("admin password from env not applied")
	}
}
