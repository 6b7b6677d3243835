package models

import "time"

// KeyPair is the device-held X25519 encryption identity of one user.
type KeyPair struct {
	UserID     string    `json:"user_id"`
	PublicKey  []byte    `json:"public_key"`
	PrivateKey []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Public returns a copy of the pair without private material.
func (k KeyPair) Public() KeyPair {
	return KeyPair{
		UserID:    k.UserID,
		PublicKey: append([]byte(nil), k.PublicKey...),
		CreatedAt: k.CreatedAt,
	}
}

// Wipe zeroes the private half in place.
func (k *KeyPair) Wipe() {
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
	k.PrivateKey = nil
}

type DirectoryEntry struct {
	UserID      string    `json:"user_id"`
	PublicKey   []byte    `json:"public_key"`
	PublishedAt time.Time `json:"published_at"`
}

type EncryptedEnvelope struct {
	ID               string `json:"id"`
	SenderID         string `json:"sender_id"`
	RecipientID      string `json:"recipient_id"`
	SenderPublicKey  []byte `json:"sender_public_key"`
	Ciphertext       []byte `json:"ciphertext"`
	Nonce            []byte `json:"nonce"`
	AlgorithmVersion uint32 `json:"algorithm_version"`
}
