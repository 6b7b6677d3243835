package keypair

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"neighborly/go-backend/pkg/models"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

const (
	PrivateKeySize = curve25519.ScalarSize
	PublicKeySize  = curve25519.PointSize

	fingerprintPrefix = "nk1"
	fingerprintBytes  = 20
)

var ErrInvalidKey = errors.New("invalid key material")

// Generate draws a fresh X25519 private scalar from r (crypto/rand when nil).
func Generate(r io.Reader, userID string, now time.Time) (models.KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv := make([]byte, PrivateKeySize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return models.KeyPair{}, fmt.Errorf("read key entropy: %w", err)
	}
	return FromPrivate(userID, priv, now)
}

// FromPrivate rebuilds a full pair from the private scalar; the public half is
// always recomputed, never trusted from storage.
func FromPrivate(userID string, privateKey []byte, createdAt time.Time) (models.KeyPair, error) {
	pub, err := PublicKey(privateKey)
	if err != nil {
		return models.KeyPair{}, err
	}
	return models.KeyPair{
		UserID:     userID,
		PublicKey:  pub,
		PrivateKey: append([]byte(nil), privateKey...),
		CreatedAt:  createdAt.UTC(),
	}, nil
}

func PublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key size %d", ErrInvalidKey, len(privateKey))
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

func ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != PublicKeySize {
		return fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(publicKey))
	}
	return nil
}

// Fingerprint is a short, human-comparable id for a public key.
func Fingerprint(publicKey []byte) string {
	if len(publicKey) == 0 {
		return ""
	}
	h := blake2b.Sum256(publicKey)
	return fingerprintPrefix + base58.Encode(h[:fingerprintBytes])
}
