package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEV_MODE", "")
	t.Setenv("CONTENT_BACKEND", "")
	t.Setenv("LOCK_BACKEND", "")
	t.Setenv("CHECKOUT_TTL_SECONDS", "")

	cfg := Load()
	if cfg.ContentBackend != ContentDrive || cfg.LockBackend != LockDynamo {
		t.Errorf("expected production backends, got %s/%s", cfg.ContentBackend, cfg.LockBackend)
	}
	if cfg.CheckoutTTL != 8*time.Hour {
		t.Errorf("expected 8h TTL, got %v", cfg.CheckoutTTL)
	}
	if cfg.JWTSecretParam != "/doclock/jwt-secret" {
		t.Errorf("unexpected jwt param %q", cfg.JWTSecretParam)
	}
}

func TestLoad_DevModeAndOverrides(t *testing.T) {
	t.Setenv("DEV_MODE", "true")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("CONTENT_BACKEND", "")
	t.Setenv("CHECKOUT_TTL_SECONDS", "60")

	cfg := Load()
	if !cfg.DevMode || cfg.ContentBackend != ContentMemory || cfg.LockBackend != LockRedis {
		t.Errorf("unexpected dev config %+v", cfg)
	}
	if cfg.CheckoutTTL != time.Minute {
		t.Errorf("expected 1m TTL, got %v", cfg.CheckoutTTL)
	}
}

func TestLoad_BadTTLFallsBack(t *testing.T) {
	t.Setenv("CHECKOUT_TTL_SECONDS", "soon")
	if got := Load().CheckoutTTL; got != 8*time.Hour {
		t.Errorf("expected fallback TTL, got %v", got)
	}
}
