package keycodec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	return key
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	keys := [][]byte{
		make([]byte, KeySize),
		bytes.Repeat([]byte{0xff}, KeySize),
	}
	for i := 0; i < 64; i++ {
		keys = append(keys, randomKey(t))
	}
	for _, key := range keys {
		phrase, err := Encode(key)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(phrase) != PhraseWords {
			t.Fatalf("expected %d words, got %d", PhraseWords, len(phrase))
		}
		got, err := Decode(phrase)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(got, key) {
			t.Fatal("decoded key mismatch")
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	key := randomKey(t)
	p1, err := Encode(key)
	if err != nil {
		t.Fatalf("encode 1 failed: %v", err)
	}
	p2, err := Encode(key)
	if err != nil {
		t.Fatalf("encode 2 failed: %v", err)
	}
	if p1.String() != p2.String() {
		t.Fatal("same key must yield the same phrase")
	}
}

func TestEncodePrefixIsStandardMnemonic(t *testing.T) {
	key := randomKey(t)
	phrase, err := Encode(key)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	mnemonic := strings.Join(phrase[:MnemonicWords], " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		t.Fatal("first 24 words must form a valid BIP-39 mnemonic")
	}
}

func TestEncodeRejectsWrongKeySize(t *testing.T) {
	if _, err := Encode(make([]byte, KeySize-1)); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
	if _, err := Encode(nil); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength for nil key, got %v", err)
	}
}

func TestDecodeWrongLength(t *testing.T) {
	phrase, err := Encode(randomKey(t))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	for _, p := range []Phrase{phrase[:PhraseWords-1], phrase[1:], append(append(Phrase{}, phrase...), "abandon"), nil} {
		if _, err := Decode(p); !errors.Is(err, ErrWrongLength) {
			t.Fatalf("expected ErrWrongLength for %d words, got %v", len(p), err)
		}
	}
}

func TestDecodeUnknownWord(t *testing.T) {
	phrase, err := Encode(randomKey(t))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	bad := append(Phrase{}, phrase...)
	bad[3] = "notaword"
	_, err = Decode(bad)
	if !errors.Is(err, ErrUnknownWord) {
		t.Fatalf("expected ErrUnknownWord, got %v", err)
	}
	if !strings.Contains(err.Error(), "position 4") {
		t.Fatalf("expected position in error, got %q", err.Error())
	}
	if strings.Contains(err.Error(), "notaword") {
		t.Fatal("decode errors must not echo phrase words")
	}
}

func TestDecodeCheckOrder(t *testing.T) {
	phrase, err := Encode(randomKey(t))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	short := append(Phrase{}, phrase[:PhraseWords-1]...)
	short[0] = "notaword"
	if _, err := Decode(short); !errors.Is(err, ErrWrongLength) {
		t.Fatalf("word count must be checked first, got %v", err)
	}

	bad := append(Phrase{}, phrase...)
	bad[0], bad[1] = bad[1], bad[0]
	bad[5] = "notaword"
	if _, err := Decode(bad); !errors.Is(err, ErrUnknownWord) {
		t.Fatalf("dictionary must be checked before checksum, got %v", err)
	}
}

func TestDecodeRejectsValidWordSubstitution(t *testing.T) {
	phrase, err := Encode(randomKey(t))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	dict := bip39.GetWordList()
	for pos := range phrase {
		bad := append(Phrase{}, phrase...)
		idx, _ := bip39.GetWordIndex(bad[pos])
		bad[pos] = dict[(idx+1)%len(dict)]
		if _, err := Decode(bad); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("position %d: expected ErrChecksumMismatch, got %v", pos+1, err)
		}
	}
}

func TestDecodeSingleCharacterFlipNeverYieldsKey(t *testing.T) {
	key := randomKey(t)
	phrase, err := Encode(key)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	rendered := phrase.String()
	for i := 0; i < len(rendered); i++ {
		if rendered[i] == ' ' {
			continue
		}
		for c := byte('a'); c <= 'z'; c++ {
			if c == rendered[i] {
				continue
			}
			mutated := rendered[:i] + string(c) + rendered[i+1:]
			got, err := Decode(ParsePhrase(mutated))
			if err == nil {
				t.Fatalf("flip at %d to %q produced a key (equal=%v)", i, c, bytes.Equal(got, key))
			}
			if !errors.Is(err, ErrChecksumMismatch) && !errors.Is(err, ErrUnknownWord) {
				t.Fatalf("flip at %d: unexpected error %v", i, err)
			}
		}
	}
}

func TestParsePhraseNormalizesInput(t *testing.T) {
	key := randomKey(t)
	phrase, err := Encode(key)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	messy := "  " + strings.ToUpper(strings.Join(phrase, "\n\t ")) + "  "
	got, err := Decode(ParsePhrase(messy))
	if err != nil {
		t.Fatalf("decode of normalized input failed: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("normalized phrase decoded to a different key")
	}
}

func TestIsDecodeError(t *testing.T) {
	if !IsDecodeError(ErrWrongLength) || !IsDecodeError(ErrUnknownWord) || !IsDecodeError(ErrChecksumMismatch) {
		t.Fatal("expected phrase errors to be decode errors")
	}
	if IsDecodeError(ErrInvalidKeyLength) {
		t.Fatal("key length error is not a decode error")
	}
}

func TestPhraseWipe(t *testing.T) {
	phrase, err := Encode(randomKey(t))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	phrase.Wipe()
	for _, w := range phrase {
		if w != "" {
			t.Fatal("wipe must clear every word")
		}
	}
}
