// Package directoryserver assembles the public key directory HTTP service.
package directoryserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"neighborly/go-backend/internal/config"
	"neighborly/go-backend/internal/directory"
	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/internal/platform/ratelimiter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Build picks the storage backend from cfg.Server and wraps it in a Server.
func Build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*directory.Server, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []directory.ServerOption{
		directory.WithServerLogger(logger),
		directory.WithPublishLimit(ratelimiter.New(cfg.PublishRPS, cfg.PublishBurst, 0)),
	}
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.NewDirectoryServer(reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, directory.WithServerMetrics(m, reg))
	}
	return directory.NewServer(store, opts...), nil
}

func openStore(ctx context.Context, cfg config.ServerConfig) (directory.Directory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return directory.NewMemoryDirectory(), nil
	case "couchdb":
		couch, err := directory.OpenCouchDirectory(ctx, cfg.CouchURL, cfg.CouchDB)
		if err != nil {
			return nil, err
		}
		return couch, nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Backend)
	}
}
