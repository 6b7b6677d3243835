// Package messagecipher seals single-recipient message envelopes with the
// sender's private key and the recipient's published public key. It is a
// pure transform: no network, no storage.
package messagecipher

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"

	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrAuthenticationFailed = errors.New("envelope authentication failed")
	ErrUnsupportedVersion   = errors.New("unsupported envelope algorithm version")
	ErrInvalidKey           = errors.New("invalid key for envelope operation")
	ErrInvalidAddressing    = errors.New("invalid envelope addressing")
)

// Addressing names the two parties; both ids are bound into the envelope.
type Addressing struct {
	SenderID    string
	RecipientID string
}

type Cipher struct {
	rand    io.Reader
	version uint32
	metrics *metrics.KeyLifecycle
}

type Option func(*Cipher)

// WithRand replaces crypto/rand for nonces and envelope ids.
func WithRand(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithVersion selects the suite used by EncryptFor. Decrypt accepts every
// registered version regardless.
func WithVersion(version uint32) Option {
	return func(c *Cipher) { c.version = version }
}

func WithMetrics(m *metrics.KeyLifecycle) Option {
	return func(c *Cipher) { c.metrics = m }
}

func New(opts ...Option) *Cipher {
	c := &Cipher{rand: rand.Reader, version: CurrentVersion}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cipher) EncryptFor(addr Addressing, recipientPublicKey, senderPrivateKey, plaintext []byte) (models.EncryptedEnvelope, error) {
	env, err := c.encrypt(addr, recipientPublicKey, senderPrivateKey, plaintext)
	if err != nil {
		c.metrics.CipherOp("encrypt", metrics.ResultError)
		return models.EncryptedEnvelope{}, err
	}
	c.metrics.CipherOp("encrypt", metrics.ResultOK)
	return env, nil
}

func (c *Cipher) encrypt(addr Addressing, recipientPublicKey, senderPrivateKey, plaintext []byte) (models.EncryptedEnvelope, error) {
	s, ok := suites[c.version]
	if !ok {
		return models.EncryptedEnvelope{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.version)
	}
	senderID, err := models.NormalizeUserID(addr.SenderID)
	if err != nil {
		return models.EncryptedEnvelope{}, fmt.Errorf("%w: sender: %v", ErrInvalidAddressing, err)
	}
	recipientID, err := models.NormalizeUserID(addr.RecipientID)
	if err != nil {
		return models.EncryptedEnvelope{}, fmt.Errorf("%w: recipient: %v", ErrInvalidAddressing, err)
	}
	if err := keypair.ValidatePublicKey(recipientPublicKey); err != nil {
		return models.EncryptedEnvelope{}, fmt.Errorf("%w: recipient: %v", ErrInvalidKey, err)
	}
	senderPublicKey, err := keypair.PublicKey(senderPrivateKey)
	if err != nil {
		return models.EncryptedEnvelope{}, fmt.Errorf("%w: sender: %v", ErrInvalidKey, err)
	}

	id, err := uuid.NewRandomFromReader(c.rand)
	if err != nil {
		return models.EncryptedEnvelope{}, fmt.Errorf("envelope id: %w", err)
	}
	nonce := make([]byte, s.nonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return models.EncryptedEnvelope{}, fmt.Errorf("envelope nonce: %w", err)
	}

	env := models.EncryptedEnvelope{
		ID:               id.String(),
		SenderID:         senderID,
		RecipientID:      recipientID,
		SenderPublicKey:  senderPublicKey,
		Nonce:            nonce,
		AlgorithmVersion: c.version,
	}
	ciphertext, err := s.seal(sealParams{
		nonce:        nonce,
		header:       headerBytes(env),
		privateKey:   senderPrivateKey,
		senderPub:    senderPublicKey,
		recipientPub: recipientPublicKey,
		peerPub:      recipientPublicKey,
	}, plaintext)
	if err != nil {
		return models.EncryptedEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	env.Ciphertext = ciphertext
	return env, nil
}

// Decrypt never returns partial plaintext: any failure yields nil bytes.
func (c *Cipher) Decrypt(env models.EncryptedEnvelope, recipientPrivateKey []byte) ([]byte, error) {
	plaintext, err := c.decrypt(env, recipientPrivateKey)
	switch {
	case err == nil:
		c.metrics.CipherOp("decrypt", metrics.ResultOK)
	case errors.Is(err, ErrUnsupportedVersion):
		c.metrics.CipherOp("decrypt", metrics.ResultUnsupported)
	case errors.Is(err, ErrAuthenticationFailed):
		c.metrics.CipherOp("decrypt", metrics.ResultRejected)
	default:
		c.metrics.CipherOp("decrypt", metrics.ResultError)
	}
	return plaintext, err
}

func (c *Cipher) decrypt(env models.EncryptedEnvelope, recipientPrivateKey []byte) ([]byte, error) {
	s, ok := suites[env.AlgorithmVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.AlgorithmVersion)
	}
	recipientPublicKey, err := keypair.PublicKey(recipientPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrInvalidKey, err)
	}
	if len(env.Nonce) != s.nonceSize() {
		return nil, fmt.Errorf("%w: nonce size", ErrAuthenticationFailed)
	}
	if keypair.ValidatePublicKey(env.SenderPublicKey) != nil {
		return nil, fmt.Errorf("%w: sender key size", ErrAuthenticationFailed)
	}
	for _, field := range []string{env.ID, env.SenderID, env.RecipientID} {
		if len(field) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: header field too long", ErrAuthenticationFailed)
		}
	}
	plaintext, err := s.open(sealParams{
		nonce:        env.Nonce,
		header:       headerBytes(env),
		privateKey:   recipientPrivateKey,
		senderPub:    env.SenderPublicKey,
		recipientPub: recipientPublicKey,
		peerPub:      env.SenderPublicKey,
	}, env.Ciphertext)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// SupportedVersions lists the algorithm versions this build can read.
func SupportedVersions() []uint32 {
	out := make([]uint32, 0, len(suites))
	for _, v := range []uint32{VersionBox, VersionXChaCha} {
		if _, ok := suites[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
