package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"neighborly/go-backend/internal/directory"
	"neighborly/go-backend/internal/keycodec"
	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/internal/messagecipher"
	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/internal/recovery"
	"neighborly/go-backend/internal/vault"
	"neighborly/go-backend/pkg/models"
)

// Deps are the collaborators of a Service. Vault and Directory are
// required. Publisher defaults to publishing straight to Directory.
type Deps struct {
	Vault     vault.Vault
	Directory directory.Directory
	Publisher keypair.Publisher
	Cipher    *messagecipher.Cipher
	Logger    *slog.Logger
	Metrics   *metrics.KeyLifecycle
}

// Service runs the key lifecycle for any number of users on one device.
// Every operation names its user explicitly.
type Service struct {
	vault     vault.Vault
	directory directory.Directory
	publisher keypair.Publisher
	generator *keypair.Generator
	recovery  *recovery.Flow
	cipher    *messagecipher.Cipher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(d Deps) (*Service, error) {
	if d.Vault == nil {
		return nil, errors.New("app: vault is required")
	}
	if d.Directory == nil {
		return nil, errors.New("app: directory is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	publisher := d.Publisher
	if publisher == nil {
		publisher = d.Directory
	}
	v := d.Vault
	if d.Metrics != nil {
		v = meteredVault{Vault: v, metrics: d.Metrics}
	}
	c := d.Cipher
	if c == nil {
		c = messagecipher.New(messagecipher.WithMetrics(d.Metrics))
	}
	return &Service{
		vault:     v,
		directory: d.Directory,
		publisher: publisher,
		generator: keypair.NewGenerator(v, publisher,
			keypair.WithLogger(logger), keypair.WithMetrics(d.Metrics)),
		recovery: recovery.NewFlow(v, publisher,
			recovery.WithLogger(logger), recovery.WithMetrics(d.Metrics)),
		cipher: c,
		logger: logger,
		now:    time.Now,
	}, nil
}

// EnsureKeyPair returns the public half of the user's key, creating it on
// first use. A publication failure returns the key and a retry-class error.
func (s *Service) EnsureKeyPair(ctx context.Context, userID string) (models.KeyPair, error) {
	kp, err := s.generator.EnsureKeyPair(ctx, userID)
	defer kp.Wipe()
	if err != nil && len(kp.PublicKey) == 0 {
		return models.KeyPair{}, categorize(err)
	}
	return kp.Public(), categorize(err)
}

// SendSecure seals plaintext for recipientID. A sender key that failed to
// publish does not block sending; a recipient without a directory entry
// does.
func (s *Service) SendSecure(ctx context.Context, senderID, recipientID string, plaintext []byte) (models.EncryptedEnvelope, error) {
	sender, err := s.generator.EnsureKeyPair(ctx, senderID)
	defer sender.Wipe()
	switch {
	case err == nil:
	case errors.Is(err, keypair.ErrPublicationFailed) && len(sender.PrivateKey) > 0:
		s.logger.Warn("sending with unpublished sender key", "sender_id", senderID, "error", err)
	default:
		return models.EncryptedEnvelope{}, categorize(err)
	}

	entry, err := s.directory.Get(ctx, recipientID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return models.EncryptedEnvelope{}, categorize(fmt.Errorf("%w: %s", ErrRecipientKeyUnavailable, recipientID))
		}
		return models.EncryptedEnvelope{}, categorize(err)
	}

	env, err := s.cipher.EncryptFor(messagecipher.Addressing{
		SenderID:    sender.UserID,
		RecipientID: entry.UserID,
	}, entry.PublicKey, sender.PrivateKey, plaintext)
	if err != nil {
		return models.EncryptedEnvelope{}, categorize(err)
	}
	s.logger.Debug("envelope sealed", "sender_id", sender.UserID, "recipient_id", entry.UserID, "envelope_id", env.ID)
	return env, nil
}

// Open decrypts an envelope addressed to userID with the local key.
func (s *Service) Open(ctx context.Context, userID string, env models.EncryptedEnvelope) ([]byte, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return nil, categorize(err)
	}
	kp, ok, err := s.vault.Get(ctx, id)
	if err != nil {
		return nil, categorize(err)
	}
	if !ok {
		return nil, categorize(keypair.ErrNoLocalKey)
	}
	defer kp.Wipe()
	plaintext, err := s.cipher.Decrypt(env, kp.PrivateKey)
	if err != nil {
		s.logger.Warn("envelope rejected", "user_id", id, "envelope_id", env.ID, "error", err)
		return nil, categorize(err)
	}
	if err := s.verifySender(ctx, env); err != nil {
		zeroBytes(plaintext)
		s.logger.Warn("envelope sender not verified", "user_id", id, "sender_id", env.SenderID, "envelope_id", env.ID, "error", err)
		return nil, categorize(err)
	}
	return plaintext, nil
}

// verifySender checks the envelope's sender key against the directory
// entry of its sender id. A missing or different entry fails; a key the
// sender rotated since sealing fails the same way until it is resent.
func (s *Service) verifySender(ctx context.Context, env models.EncryptedEnvelope) error {
	entry, err := s.directory.Get(ctx, env.SenderID)
	switch {
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, models.ErrInvalidUserID):
		return fmt.Errorf("%w: %q has no published key", ErrSenderUnverified, env.SenderID)
	case err != nil:
		return err
	}
	if subtle.ConstantTimeCompare(entry.PublicKey, env.SenderPublicKey) != 1 {
		return fmt.Errorf("%w: key does not match the directory entry of %q", ErrSenderUnverified, env.SenderID)
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (s *Service) Backup(ctx context.Context, userID string) (recovery.Result, error) {
	res, err := s.recovery.Backup(ctx, userID)
	return res, categorize(err)
}

// Restore parses the typed phrase and replaces the local key. A directory
// failure after a successful restore is reported in Result.PublishErr only.
func (s *Service) Restore(ctx context.Context, userID, phraseText string) (recovery.Result, error) {
	phrase := keycodec.ParsePhrase(phraseText)
	defer phrase.Wipe()
	res, err := s.recovery.Restore(ctx, userID, phrase)
	res.PublishErr = categorize(res.PublishErr)
	res.Reason = categorize(res.Reason)
	return res, categorize(err)
}

func (s *Service) VerifyPhrase(ctx context.Context, userID, phraseText string) error {
	phrase := keycodec.ParsePhrase(phraseText)
	defer phrase.Wipe()
	return categorize(s.recovery.Verify(ctx, userID, phrase))
}

func (s *Service) Republish(ctx context.Context, userID string) error {
	return categorize(s.generator.Republish(ctx, userID))
}

// ResetKeyPair discards the current key for a new one. Only for an
// explicit user request.
func (s *Service) ResetKeyPair(ctx context.Context, userID string) (models.KeyPair, error) {
	kp, err := s.generator.Reset(ctx, userID)
	defer kp.Wipe()
	if err != nil && len(kp.PublicKey) == 0 {
		return models.KeyPair{}, categorize(err)
	}
	return kp.Public(), categorize(err)
}

// Wipe removes the user's key from this device, e.g. on sign-out of a
// shared machine.
func (s *Service) Wipe(ctx context.Context, userID string) error {
	if err := s.vault.Delete(ctx, userID); err != nil {
		return categorize(err)
	}
	s.logger.Info("local key wiped", "user_id", userID)
	return nil
}

// PublishPending reports whether a background publish retry is queued.
func (s *Service) PublishPending(userID string) bool {
	p, ok := s.publisher.(interface{ Pending(string) bool })
	return ok && p.Pending(userID)
}
