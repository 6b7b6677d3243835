package keyservice

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"neighborly/go-backend/internal/config"
	"neighborly/go-backend/internal/directory"
	"neighborly/go-backend/internal/vault"

	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildWithRemoteDirectoryAndFileVault(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	ts := httptest.NewServer(directory.NewServer(dir).Handler())
	defer ts.Close()

	cfg := config.Default()
	cfg.Vault.Backend = vault.BackendFile
	cfg.Vault.Path = filepath.Join(t.TempDir(), "keys.vault")
	cfg.Vault.Passphrase = "device passphrase"
	cfg.Directory.URL = ts.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := Build(ctx, cfg, discardLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer rt.Close()

	kp, err := rt.Service.EnsureKeyPair(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	entry, err := dir.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("expected key published to remote directory: %v", err)
	}
	if !bytes.Equal(entry.PublicKey, kp.PublicKey) {
		t.Fatal("remote directory holds a different key")
	}
}

func TestBuildInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Vault.Backend = vault.BackendMemory
	rt, err := Build(context.Background(), cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := rt.Directory.(*directory.MemoryDirectory); !ok {
		t.Fatalf("expected in-process directory, got %T", rt.Directory)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestBuildRejectsBadDirectoryURL(t *testing.T) {
	cfg := config.Default()
	cfg.Vault.Backend = vault.BackendMemory
	cfg.Directory.URL = "ftp://nowhere"
	if _, err := Build(context.Background(), cfg, discardLogger(), nil); err == nil {
		t.Fatal("expected error for unsupported url scheme")
	}
}
