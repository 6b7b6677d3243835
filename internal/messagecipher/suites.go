package messagecipher

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"neighborly/go-backend/pkg/models"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

const (
	// VersionBox is NaCl box (x25519-xsalsa20-poly1305). It does not bind
	// the header; kept so envelopes from older builds stay readable.
	VersionBox uint32 = 1
	// VersionXChaCha is x25519 + HKDF-SHA256 + XChaCha20-Poly1305 with the
	// header as associated data.
	VersionXChaCha uint32 = 2

	CurrentVersion = VersionXChaCha

	hkdfInfoV2 = "neighborly/e2ee/envelope/v2"
)

var errOpen = errors.New("open failed")

type sealParams struct {
	nonce        []byte
	header       []byte
	privateKey   []byte
	senderPub    []byte
	recipientPub []byte
	peerPub      []byte
}

type suite interface {
	nonceSize() int
	seal(p sealParams, plaintext []byte) ([]byte, error)
	open(p sealParams, ciphertext []byte) ([]byte, error)
}

var suites = map[uint32]suite{
	VersionBox:     boxSuite{},
	VersionXChaCha: xchachaSuite{},
}

type boxSuite struct{}

func (boxSuite) nonceSize() int { return 24 }

func (boxSuite) seal(p sealParams, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	var peer, priv [32]byte
	copy(nonce[:], p.nonce)
	copy(peer[:], p.peerPub)
	copy(priv[:], p.privateKey)
	defer zero(priv[:])
	return box.Seal(nil, plaintext, &nonce, &peer, &priv), nil
}

func (boxSuite) open(p sealParams, ciphertext []byte) ([]byte, error) {
	var nonce [24]byte
	var peer, priv [32]byte
	copy(nonce[:], p.nonce)
	copy(peer[:], p.peerPub)
	copy(priv[:], p.privateKey)
	defer zero(priv[:])
	plain, ok := box.Open(nil, ciphertext, &nonce, &peer, &priv)
	if !ok {
		return nil, errOpen
	}
	return plain, nil
}

type xchachaSuite struct{}

func (xchachaSuite) nonceSize() int { return chacha20poly1305.NonceSizeX }

func (xchachaSuite) seal(p sealParams, plaintext []byte) ([]byte, error) {
	key, err := deriveV2Key(p)
	if err != nil {
		return nil, err
	}
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, p.nonce, plaintext, p.header), nil
}

func (xchachaSuite) open(p sealParams, ciphertext []byte) ([]byte, error) {
	key, err := deriveV2Key(p)
	if err != nil {
		return nil, err
	}
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, p.nonce, ciphertext, p.header)
	if err != nil {
		return nil, errOpen
	}
	return plain, nil
}

// deriveV2Key expands the X25519 shared secret; the info string binds both
// public keys in sender, recipient order so both sides derive the same key.
func deriveV2Key(p sealParams) ([]byte, error) {
	shared, err := curve25519.X25519(p.privateKey, p.peerPub)
	if err != nil {
		return nil, err
	}
	defer zero(shared)
	info := make([]byte, 0, len(hkdfInfoV2)+len(p.senderPub)+len(p.recipientPub))
	info = append(info, hkdfInfoV2...)
	info = append(info, p.senderPub...)
	info = append(info, p.recipientPub...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// headerBytes is the canonical, length-prefixed encoding of every envelope
// field except nonce and ciphertext.
func headerBytes(env models.EncryptedEnvelope) []byte {
	out := make([]byte, 0, 4+2*4+len(env.ID)+len(env.SenderID)+len(env.RecipientID)+len(env.SenderPublicKey))
	out = binary.BigEndian.AppendUint32(out, env.AlgorithmVersion)
	for _, field := range [][]byte{[]byte(env.ID), []byte(env.SenderID), []byte(env.RecipientID), env.SenderPublicKey} {
		out = binary.BigEndian.AppendUint16(out, uint16(len(field)))
		out = append(out, field...)
	}
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
