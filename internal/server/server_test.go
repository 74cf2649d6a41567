package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/rs/zerolog"
)

func TestNewSandboxRejectsUnknownBackend(t *testing.T) {
	logger := zerolog.Nop()
	if _, err := newSandbox(config.SandboxConfig{Backend: "vm"}, &logger); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestNewWiresRouter(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process sandbox requires linux")
	}
	conf := config.Defaults()
	conf.Sandbox.WorkRoot = t.TempDir()
	logger := zerolog.Nop()

	srv, err := New(&conf, &logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if srv.rateLimiter == nil || srv.store != nil {
		t.Fatalf("unexpected wiring: limiter=%v store=%v", srv.rateLimiter, srv.store)
	}
	if srv.pool.Size() != conf.Scheduler.Workers {
		t.Fatalf("pool size = %d", srv.pool.Size())
	}

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/languages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("languages status = %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
