// Package keycodec converts raw private key bytes to and from a checksummed
// recovery phrase. It has no I/O and no state.
//
// A phrase is the 24-word BIP-39 mnemonic of the 32-byte key followed by two
// checksum words drawn from the same dictionary:
//
//	word 25: sum of the 24 word indices mod 2048 (any single substituted word is caught)
//	word 26: 11 bits of SHA-256(tag || key)
package keycodec

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

const (
	KeySize       = 32
	MnemonicWords = 24
	ChecksumWords = 2
	PhraseWords   = MnemonicWords + ChecksumWords

	dictionarySize = 2048
	digestTag      = "neighborly/recovery-phrase/v1"
)

var (
	ErrInvalidKeyLength = errors.New("private key must be 32 bytes")
	ErrWrongLength      = errors.New("recovery phrase has the wrong number of words")
	ErrUnknownWord      = errors.New("recovery phrase contains an unknown word")
	ErrChecksumMismatch = errors.New("recovery phrase checksum mismatch")
)

// Phrase is an ordered list of dictionary words. It must never be logged.
type Phrase []string

// ParsePhrase splits user input on any whitespace and lowercases it.
func ParsePhrase(raw string) Phrase {
	return Phrase(strings.Fields(strings.ToLower(raw)))
}

// String renders the display format: words joined by single spaces.
func (p Phrase) String() string {
	return strings.Join(p, " ")
}

// LogValue keeps phrases out of structured logs even if passed by mistake.
func (p Phrase) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

func (p Phrase) Wipe() {
	for i := range p {
		p[i] = ""
	}
}

// Encode is deterministic: the same key always yields the same phrase.
func Encode(privateKey []byte) (Phrase, error) {
	if len(privateKey) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	mnemonic, err := bip39.NewMnemonic(privateKey)
	if err != nil {
		return nil, err
	}
	words := strings.Fields(mnemonic)
	if len(words) != MnemonicWords {
		return nil, fmt.Errorf("unexpected mnemonic size: %d", len(words))
	}
	indices := make([]int, 0, MnemonicWords)
	for _, w := range words {
		idx, ok := bip39.GetWordIndex(w)
		if !ok {
			return nil, fmt.Errorf("mnemonic word outside dictionary")
		}
		indices = append(indices, idx)
	}

	dict := bip39.GetWordList()
	phrase := make(Phrase, 0, PhraseWords)
	phrase = append(phrase, words...)
	phrase = append(phrase, dict[sumIndex(indices)], dict[digestIndex(privateKey)])
	return phrase, nil
}

// Decode checks word count, dictionary membership and checksums in that
// order and returns key bytes only when every check passes.
func Decode(phrase Phrase) ([]byte, error) {
	if len(phrase) != PhraseWords {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongLength, len(phrase), PhraseWords)
	}
	words := make([]string, len(phrase))
	indices := make([]int, len(phrase))
	for i, raw := range phrase {
		w := strings.ToLower(strings.TrimSpace(raw))
		idx, ok := bip39.GetWordIndex(w)
		if !ok {
			return nil, fmt.Errorf("%w at position %d", ErrUnknownWord, i+1)
		}
		words[i] = w
		indices[i] = idx
	}

	if indices[MnemonicWords] != sumIndex(indices[:MnemonicWords]) {
		return nil, ErrChecksumMismatch
	}
	key, err := bip39.EntropyFromMnemonic(strings.Join(words[:MnemonicWords], " "))
	if err != nil {
		if errors.Is(err, bip39.ErrChecksumIncorrect) {
			return nil, ErrChecksumMismatch
		}
		return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if len(key) != KeySize || indices[MnemonicWords+1] != digestIndex(key) {
		zero(key)
		return nil, ErrChecksumMismatch
	}
	return key, nil
}

// Validate reports the decode error for a phrase without keeping the key.
func Validate(phrase Phrase) error {
	key, err := Decode(phrase)
	if err != nil {
		return err
	}
	zero(key)
	return nil
}

// IsDecodeError reports whether err is one of the user-correctable phrase errors.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrWrongLength) ||
		errors.Is(err, ErrUnknownWord) ||
		errors.Is(err, ErrChecksumMismatch)
}

func sumIndex(indices []int) int {
	sum := 0
	for _, idx := range indices {
		sum += idx
	}
	return sum % dictionarySize
}

func digestIndex(key []byte) int {
	h := sha256.New()
	h.Write([]byte(digestTag))
	h.Write(key)
	sum := h.Sum(nil)
	return (int(sum[0])<<3 | int(sum[1])>>5) % dictionarySize
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
