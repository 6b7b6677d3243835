package directoryserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"neighborly/go-backend/internal/config"
)

func TestBuildServesMetricsWhenEnabled(t *testing.T) {
	cfg := config.Default().Server
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Build(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", rec.Code)
	}

	cfg.Metrics = false
	srv, err = Build(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code == http.StatusOK {
		t.Fatal("metrics endpoint should be disabled")
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default().Server
	cfg.Backend = "redis"
	if _, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error")
	}
}
