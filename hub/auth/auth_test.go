package auth

import (
	"context"
	"testing"
	"time"

	"github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/hub/store"
)

func setupTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := NewService(s, config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	})
	return svc, s
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice-auth", "correct horse battery", "")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Role != "user" {
		t.Errorf("expected default role 'user', got %q", user.Role)
	}

	token, err := svc.Login(ctx, "alice-auth", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if identity.Username != "alice-auth" {
		t.Errorf("expected username alice-auth, got %q", identity.Username)
	}
	if identity.UserID != user.ID {
		t.Errorf("expected user ID %q, got %q", user.ID, identity.UserID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob-auth", "realpassword123", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Login(ctx, "bob-auth", "wrongpassword"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	svc, _ := setupTestService(t)

	if _, err := svc.Login(context.Background(), "nobody-auth", "whatever"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "carol-auth", "password12345", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "carol-auth", "password12345", ""); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	svc, _ := setupTestService(t)

	if _, err := svc.ValidateToken(context.Background(), "not.a.jwt"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc, s := setupTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dave-auth", "password12345", ""); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "dave-auth", "password12345")
	if err != nil {
		t.Fatal(err)
	}

	other := NewService(s, config.AuthConfig{
		JWTSecret: "a-completely-different-32-char-secret!!",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	})
	if _, err := other.ValidateToken(ctx, token); err != ErrUnauthorized {
		t.Fatalf("token signed with another secret must be rejected, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := NewService(s, config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: -1 * time.Minute},
	})
	ctx := context.Background()

	if _, err := svc.Register(ctx, "eve-auth", "password12345", ""); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "eve-auth", "password12345")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ValidateToken(ctx, token); err != ErrUnauthorized {
		t.Fatalf("expired token must be rejected, got %v", err)
	}
}

func TestBootstrapAdmin(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := NewService(s, config.AuthConfig{
		JWTSecret:    "test-secret-at-least-32-chars-long",
		JWTExpiry:    config.Duration{Duration: 1 * time.Hour},
		InitialAdmin: &config.InitialAdmin{Username: "root-auth", Password: "adminpass1234"},
	})
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	// A second bootstrap is a no-op.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("repeat Bootstrap failed: %v", err)
	}

	token, err := svc.Login(ctx, "root-auth", "adminpass1234")
	if err != nil {
		t.Fatalf("admin login failed: %v", err)
	}
	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if identity.Role != "admin" {
		t.Errorf("bootstrapped user should be admin, got %q", identity.Role)
	}
}
