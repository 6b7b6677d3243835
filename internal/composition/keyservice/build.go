// Package keyservice assembles the device-side key lifecycle from config.
package keyservice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"neighborly/go-backend/internal/app"
	"neighborly/go-backend/internal/config"
	"neighborly/go-backend/internal/directory"
	"neighborly/go-backend/internal/messagecipher"
	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/internal/vault"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Runtime owns everything Build opened. Close releases it in reverse order.
type Runtime struct {
	Service   *app.Service
	Vault     vault.Vault
	Directory directory.Directory
	Publisher *directory.Publisher
	Metrics   *metrics.KeyLifecycle
}

// Build opens the vault and directory named by cfg. reg may be nil.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if logger == nil {
		return nil, errors.New("keyservice: logger is required")
	}
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	v, err := vault.Open(vault.Config{
		Backend:    cfg.Vault.Backend,
		Path:       cfg.Vault.Path,
		Passphrase: cfg.Vault.Passphrase,
	})
	if err != nil {
		return nil, err
	}

	dir, err := openDirectory(cfg.Directory, logger)
	if err != nil {
		_ = vault.Close(v)
		return nil, err
	}

	retryInitial, retryMax := cfg.Directory.RetryInitial, cfg.Directory.RetryMax
	publisher := directory.NewPublisher(dir,
		directory.WithPublisherLogger(logger),
		directory.WithPublisherMetrics(m),
		directory.WithAttemptTimeout(cfg.Directory.AttemptTimeout),
		directory.WithBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryInitial
			b.MaxInterval = retryMax
			b.MaxElapsedTime = 0
			return b
		}),
	)
	publisher.Start(ctx)

	svc, err := app.NewService(app.Deps{
		Vault:     v,
		Directory: dir,
		Publisher: publisher,
		Cipher:    messagecipher.New(messagecipher.WithVersion(cfg.Cipher.Version), messagecipher.WithMetrics(m)),
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		publisher.Close()
		_ = vault.Close(v)
		return nil, err
	}
	return &Runtime{
		Service:   svc,
		Vault:     v,
		Directory: dir,
		Publisher: publisher,
		Metrics:   m,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.Publisher.Close()
	return vault.Close(r.Vault)
}

func openDirectory(cfg config.DirectoryConfig, logger *slog.Logger) (directory.Directory, error) {
	if cfg.URL == "" {
		logger.Warn("no directory url configured, using an in-process directory")
		return directory.NewMemoryDirectory(), nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := directory.NewClient(cfg.URL, directory.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, err
	}
	return client, nil
}
