package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"odoo-ops-relay/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.StoreDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ops.db")
	cfg.RedisAddr = ""
	cfg.RoutesFile = ""
	return cfg
}

func TestBuildWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg, config.NewLogger(io.Discard, "error"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if a.Limiter != nil || a.DeadLetters != nil || a.Redis != nil {
		t.Fatalf("redis components should be nil without REDIS_ADDR")
	}
	if a.Drain == nil || a.Dispatcher == nil || a.Sync == nil || a.Router == nil {
		t.Fatalf("core components missing: %+v", a)
	}
	if err := a.Store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestBuildWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	a, err := Build(context.Background(), cfg, config.NewLogger(io.Discard, "error"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if a.Limiter == nil || a.DeadLetters == nil {
		t.Fatalf("expected limiter and dead letters with redis configured")
	}
	allowed, _, err := a.Limiter.Allow(context.Background(), "smoke")
	if err != nil || !allowed {
		t.Fatalf("allow: %v %v", allowed, err)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "mysql"
	if _, err := OpenStore(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestBuildArchiveRouteNeedsNoCredentialsUpFront(t *testing.T) {
	cfg := testConfig(t)
	routes := filepath.Join(t.TempDir(), "routes.yaml")
	if err := os.WriteFile(routes, []byte("routes:\n  - prefix: audit\n    destination: s3://ops-archive/webhooks\n"), 0o600); err != nil {
		t.Fatalf("write routes: %v", err)
	}
	cfg.RoutesFile = routes
	cfg.ArchiveS3Endpoint = "http://127.0.0.1:1"
	cfg.ArchiveS3PathStyle = true

	a, err := Build(context.Background(), cfg, config.NewLogger(io.Discard, "error"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if _, ok := a.Router.Resolve("audit.login"); !ok {
		t.Fatalf("audit route not loaded")
	}
}
