package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/pkg/models"

	"github.com/cenkalti/backoff/v4"
)

const defaultAttemptTimeout = 10 * time.Second

// Publisher publishes public keys to a Directory. A failed publish is
// retried in the background with exponential backoff until it succeeds, a
// newer key for the same user supersedes it, or the publisher is closed.
type Publisher struct {
	dir            Directory
	logger         *slog.Logger
	metrics        *metrics.KeyLifecycle
	attemptTimeout time.Duration
	newBackOff     func() backoff.BackOff

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]*retryJob
}

type retryJob struct {
	userID    string
	publicKey []byte
	cancel    context.CancelFunc
	done      chan struct{}
}

type PublisherOption func(*Publisher)

func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithPublisherMetrics(m *metrics.KeyLifecycle) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithAttemptTimeout bounds each individual publish call.
func WithAttemptTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.attemptTimeout = d
		}
	}
}

// WithBackOff sets the policy used for each queued retry. The factory is
// called once per job.
func WithBackOff(newBackOff func() backoff.BackOff) PublisherOption {
	return func(p *Publisher) {
		if newBackOff != nil {
			p.newBackOff = newBackOff
		}
	}
}

// DefaultBackOff retries from one second up to every five minutes and never
// gives up on its own.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

func NewPublisher(dir Directory, opts ...PublisherOption) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		dir:            dir,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		attemptTimeout: defaultAttemptTimeout,
		newBackOff:     DefaultBackOff,
		baseCtx:        ctx,
		stop:           cancel,
		pending:        make(map[string]*retryJob),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start ties the publisher lifetime to ctx: queued retries stop when ctx
// is done.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.baseCtx.Done():
		}
	}()
}

// Publish attempts one publish inline. On a retryable failure the key is
// queued for background retry and the attempt's error is returned, so the
// caller can surface it without blocking. Invalid keys are never queued.
func (p *Publisher) Publish(ctx context.Context, userID string, publicKey []byte) error {
	id, err := validateEntry(userID, publicKey)
	if err != nil {
		return err
	}
	publicKey = append([]byte(nil), publicKey...)

	// A newer key supersedes whatever is still queued for this user.
	p.supersede(id)

	err = p.attempt(ctx, id, publicKey)
	if err == nil {
		p.logger.Info("public key published", "user_id", id, "key_fp", keypair.Fingerprint(publicKey))
		return nil
	}
	if errors.Is(err, ErrInvalidPublicKey) {
		return err
	}
	if p.enqueue(id, publicKey) {
		p.logger.Warn("public key publish failed, retry queued", "user_id", id, "error", err)
	} else {
		p.logger.Warn("public key publish failed", "user_id", id, "error", err)
	}
	return err
}

// Pending reports whether a retry is queued for userID.
func (p *Publisher) Pending(userID string) bool {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

// Close cancels queued retries and waits for them to exit. Publish keeps
// working inline after Close but no longer queues.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()
	p.wg.Wait()
}

func (p *Publisher) attempt(ctx context.Context, userID string, publicKey []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()
	err := p.dir.Publish(attemptCtx, userID, publicKey)
	if err != nil {
		p.metrics.PublishAttempt(metrics.ResultError)
		return err
	}
	p.metrics.PublishAttempt(metrics.ResultOK)
	return nil
}

func (p *Publisher) supersede(userID string) {
	p.mu.Lock()
	job, ok := p.pending[userID]
	p.mu.Unlock()
	if !ok {
		return
	}
	job.cancel()
	<-job.done
}

func (p *Publisher) enqueue(userID string, publicKey []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if old, ok := p.pending[userID]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	job := &retryJob{
		userID:    userID,
		publicKey: publicKey,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.pending[userID] = job
	p.metrics.SetPublishPending(len(p.pending))
	p.wg.Add(1)
	go p.retry(ctx, job)
	return true
}

func (p *Publisher) retry(ctx context.Context, job *retryJob) {
	defer p.wg.Done()
	defer close(job.done)
	defer p.finish(job)

	op := func() error {
		err := p.attempt(ctx, job.userID, job.publicKey)
		if errors.Is(err, ErrInvalidPublicKey) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Debug("public key publish retry scheduled", "user_id", job.userID, "next", next, "error", err)
	}
	b := backoff.WithContext(p.newBackOff(), ctx)
	// The inline attempt already failed; wait one interval before retrying.
	first := b.NextBackOff()
	if first == backoff.Stop {
		return
	}
	timer := time.NewTimer(first)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		p.logger.Info("public key published after retry", "user_id", job.userID, "key_fp", keypair.Fingerprint(job.publicKey))
	case ctx.Err() != nil:
		p.logger.Debug("public key publish retry stopped", "user_id", job.userID)
	default:
		p.logger.Warn("public key publish abandoned", "user_id", job.userID, "error", err)
	}
}

func (p *Publisher) finish(job *retryJob) {
	job.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[job.userID] == job {
		delete(p.pending, job.userID)
	}
	p.metrics.SetPublishPending(len(p.pending))
}
