// Package recovery moves a user's private key between devices through a
// human-transcribed recovery phrase.
package recovery

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"neighborly/go-backend/internal/keycodec"
	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/pkg/models"
)

var (
	ErrNoKeyToBackUp  = errors.New("no key to back up")
	ErrPhraseMismatch = errors.New("recovery phrase does not match the local key")
)

type Outcome string

const (
	OutcomeBackupDisplayed  Outcome = "backup_displayed"
	OutcomeRestoreSucceeded Outcome = "restore_succeeded"
	OutcomeRestoreFailed    Outcome = "restore_failed"
)

// Result is what the UI renders after a recovery operation.
type Result struct {
	Outcome Outcome
	// Phrase is set for a displayed backup only. The caller shows it once
	// and wipes it.
	Phrase keycodec.Phrase
	// KeyPair carries the public half of a restored key.
	KeyPair models.KeyPair
	// PublishErr is set when a restore succeeded locally but the directory
	// could not be updated; a retry is already queued.
	PublishErr error
	// Reason is set for a failed restore.
	Reason error
}

// Vault is the part of the key vault recovery touches.
type Vault interface {
	Get(ctx context.Context, userID string) (models.KeyPair, bool, error)
	Overwrite(ctx context.Context, userID string, kp models.KeyPair) error
}

type Publisher interface {
	Publish(ctx context.Context, userID string, publicKey []byte) error
}

type Flow struct {
	vault     Vault
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.KeyLifecycle
}

type Option func(*Flow)

func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithMetrics(m *metrics.KeyLifecycle) Option {
	return func(f *Flow) { f.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		if now != nil {
			f.now = now
		}
	}
}

func NewFlow(v Vault, publisher Publisher, opts ...Option) *Flow {
	f := &Flow{
		vault:     v,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Backup encodes the stored key as a recovery phrase. The phrase is never
// persisted or logged.
func (f *Flow) Backup(ctx context.Context, userID string) (Result, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return Result{}, err
	}
	kp, ok, err := f.vault.Get(ctx, id)
	if err != nil {
		f.metrics.RecoveryOp("backup", "error")
		return Result{}, err
	}
	if !ok {
		f.metrics.RecoveryOp("backup", "no_key")
		return Result{}, ErrNoKeyToBackUp
	}
	defer kp.Wipe()

	phrase, err := keycodec.Encode(kp.PrivateKey)
	if err != nil {
		f.metrics.RecoveryOp("backup", "error")
		return Result{}, err
	}
	f.metrics.RecoveryOp("backup", string(OutcomeBackupDisplayed))
	f.logger.Info("recovery phrase displayed", "user_id", id, "key_fp", keypair.Fingerprint(kp.PublicKey))
	return Result{Outcome: OutcomeBackupDisplayed, Phrase: phrase}, nil
}

// Restore replaces the local key with the one encoded in phrase and
// republishes its public half.
//
// Decoding honors ctx. Once the phrase is valid the vault write runs to
// completion even if ctx is cancelled, so the vault never holds a half
// applied restore. Any failure before the write leaves the existing key in
// place. A failed publish does not fail the restore.
func (f *Flow) Restore(ctx context.Context, userID string, phrase keycodec.Phrase) (Result, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return f.restoreFailed(id, err)
	}
	if err := ctx.Err(); err != nil {
		return f.restoreFailed(id, err)
	}
	priv, err := keycodec.Decode(phrase)
	if err != nil {
		return f.restoreFailed(id, err)
	}
	defer zero(priv)
	if err := ctx.Err(); err != nil {
		return f.restoreFailed(id, err)
	}

	kp, err := keypair.FromPrivate(id, priv, f.now())
	if err != nil {
		return f.restoreFailed(id, err)
	}
	defer kp.Wipe()

	if err := f.vault.Overwrite(context.WithoutCancel(ctx), id, kp); err != nil {
		return f.restoreFailed(id, err)
	}

	res := Result{Outcome: OutcomeRestoreSucceeded, KeyPair: kp.Public()}
	f.metrics.RecoveryOp("restore", string(OutcomeRestoreSucceeded))
	f.logger.Info("key restored from recovery phrase", "user_id", id, "key_fp", keypair.Fingerprint(kp.PublicKey))

	if f.publisher != nil {
		if err := f.publisher.Publish(ctx, id, kp.PublicKey); err != nil {
			res.PublishErr = fmt.Errorf("%w: %w", keypair.ErrPublicationFailed, err)
			f.logger.Warn("restored key not yet published", "user_id", id, "error", err)
		}
	}
	return res, nil
}

// Verify reports whether phrase encodes the key currently held for userID.
// It never modifies the vault.
func (f *Flow) Verify(ctx context.Context, userID string, phrase keycodec.Phrase) error {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return err
	}
	priv, err := keycodec.Decode(phrase)
	if err != nil {
		f.metrics.RecoveryOp("verify", "invalid")
		return err
	}
	defer zero(priv)

	kp, ok, err := f.vault.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoKeyToBackUp
	}
	defer kp.Wipe()
	if subtle.ConstantTimeCompare(priv, kp.PrivateKey) != 1 {
		f.metrics.RecoveryOp("verify", "mismatch")
		return ErrPhraseMismatch
	}
	f.metrics.RecoveryOp("verify", "match")
	return nil
}

func (f *Flow) restoreFailed(userID string, err error) (Result, error) {
	f.metrics.RecoveryOp("restore", string(OutcomeRestoreFailed))
	// Decode errors carry a word position at most, never a word.
	f.logger.Warn("restore failed", "user_id", userID, "error", err)
	return Result{Outcome: OutcomeRestoreFailed, Reason: err}, err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
