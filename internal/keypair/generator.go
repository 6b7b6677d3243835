package keypair

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/pkg/models"
)

var (
	ErrPublicationFailed = errors.New("public key publication failed")
	ErrNoLocalKey        = errors.New("no local key for user")
)

// Store is the slice of the key vault the generator needs.
type Store interface {
	Get(ctx context.Context, userID string) (models.KeyPair, bool, error)
	PutIfAbsent(ctx context.Context, userID string, kp models.KeyPair) (models.KeyPair, error)
	Overwrite(ctx context.Context, userID string, kp models.KeyPair) error
}

// Publisher sends a public key to the directory.
type Publisher interface {
	Publish(ctx context.Context, userID string, publicKey []byte) error
}

// Generator creates a user's keypair on first use and keeps the directory
// in step with the vault.
type Generator struct {
	store     Store
	publisher Publisher
	rand      io.Reader
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.KeyLifecycle
}

type GeneratorOption func(*Generator)

func WithRand(r io.Reader) GeneratorOption {
	return func(g *Generator) {
		if r != nil {
			g.rand = r
		}
	}
}

func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func WithLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m *metrics.KeyLifecycle) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator wires the vault and the directory publisher. A nil publisher
// keeps keys local only.
func NewGenerator(store Store, publisher Publisher, opts ...GeneratorOption) *Generator {
	g := &Generator{
		store:     store,
		publisher: publisher,
		rand:      rand.Reader,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureKeyPair returns the user's stored keypair, creating and publishing
// one when the vault has none. An existing key is never regenerated or
// republished. When two callers race, PutIfAbsent decides the winner and
// both receive the stored key; only the winner publishes.
//
// A publication failure still returns the stored key, together with an error
// wrapping ErrPublicationFailed. Vault failures return no key.
func (g *Generator) EnsureKeyPair(ctx context.Context, userID string) (models.KeyPair, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return models.KeyPair{}, err
	}
	existing, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return models.KeyPair{}, err
	}
	if ok {
		return existing, nil
	}

	candidate, err := Generate(g.rand, id, g.now())
	if err != nil {
		return models.KeyPair{}, err
	}
	defer candidate.Wipe()

	stored, err := g.store.PutIfAbsent(ctx, id, candidate)
	if err != nil {
		return models.KeyPair{}, err
	}
	if subtle.ConstantTimeCompare(stored.PrivateKey, candidate.PrivateKey) != 1 {
		g.logger.Debug("concurrent key creation resolved to stored key", "user_id", id)
		return stored, nil
	}

	g.metrics.KeyGenerated()
	g.logger.Info("keypair created", "user_id", id, "key_fp", Fingerprint(stored.PublicKey))
	return stored, g.publish(ctx, id, stored.PublicKey)
}

// Republish sends the stored public key again, for a user-driven retry
// after a failed publication.
func (g *Generator) Republish(ctx context.Context, userID string) error {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return err
	}
	kp, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoLocalKey
	}
	defer kp.Wipe()
	return g.publish(ctx, id, kp.PublicKey)
}

// Reset replaces the user's key with a fresh one. It is only ever called on
// explicit user request: messages sealed to the old key become unreadable.
func (g *Generator) Reset(ctx context.Context, userID string) (models.KeyPair, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return models.KeyPair{}, err
	}
	kp, err := Generate(g.rand, id, g.now())
	if err != nil {
		return models.KeyPair{}, err
	}
	if err := g.store.Overwrite(context.WithoutCancel(ctx), id, kp); err != nil {
		kp.Wipe()
		return models.KeyPair{}, err
	}
	g.metrics.KeyGenerated()
	g.logger.Warn("keypair reset", "user_id", id, "key_fp", Fingerprint(kp.PublicKey))
	return kp, g.publish(ctx, id, kp.PublicKey)
}

func (g *Generator) publish(ctx context.Context, userID string, publicKey []byte) error {
	if g.publisher == nil {
		return nil
	}
	if err := g.publisher.Publish(ctx, userID, publicKey); err != nil {
		return fmt.Errorf("%w: %w", ErrPublicationFailed, err)
	}
	return nil
}
