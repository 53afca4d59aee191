package main

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"kasircore/internal/domain"
	"kasircore/internal/httpapi"
	"kasircore/internal/store/memory"
)

func TestConfigureLogging(t *testing.T) {
	t.Cleanup(func() {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
	})

	if err := configureLogging("debug", "json"); err != nil {
		t.Fatalf("expected debug/json to be accepted, got %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if err := configureLogging("loud", "text"); err == nil {
		t.Fatalf("expected unknown level to be rejected")
	}
	if err := configureLogging("info", "xml"); err == nil {
		t.Fatalf("expected unknown format to be rejected")
	}
}

func TestBootstrapAdminOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	auth := httpapi.NewAuthManager(ctx, "0123456789abcdef0123456789abcdef", time.Hour, memory.New())

	if err := bootstrapAdmin(ctx, auth, "s3cret-pass"); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	resp, err := auth.Login(ctx, domain.LoginRequest{Username: "admin", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("login as bootstrapped admin failed: %v", err)
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %q", resp.Role)
	}

	if err := bootstrapAdmin(ctx, auth, "another-pass"); err != nil {
		t.Fatalf("second bootstrap should be a no-op, got %v", err)
	}
}

func TestBootstrapAdminSkipsWithoutPassword(t *testing.T) {
	ctx := context.Background()
	auth := httpapi.NewAuthManager(ctx, "0123456789abcdef0123456789abcdef", time.Hour, memory.New())

	if err := bootstrapAdmin(ctx, auth, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(auth.ListOperators(ctx)); got != 0 {
		t.Fatalf("expected no operators, got %d", got)
	}
}
