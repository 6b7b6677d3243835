package recovery

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"neighborly/go-backend/internal/directory"
	"neighborly/go-backend/internal/keycodec"
	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/internal/vault"
	"neighborly/go-backend/pkg/models"
)

// brokenWrites delegates reads but fails every Overwrite.
type brokenWrites struct {
	*vault.MemoryVault
}

func (brokenWrites) Overwrite(context.Context, string, models.KeyPair) error {
	return vault.ErrVaultUnavailable
}

type downPublisher struct{ calls int }

func (p *downPublisher) Publish(context.Context, string, []byte) error {
	p.calls++
	return directory.ErrUnavailable
}

func seedKey(t *testing.T, v vault.Vault, userID string) models.KeyPair {
	t.Helper()
	g := keypair.NewGenerator(v, nil)
	kp, err := g.EnsureKeyPair(context.Background(), userID)
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	return kp
}

func TestBackupWithoutKey(t *testing.T) {
	f := NewFlow(vault.NewMemoryVault(), nil)
	res, err := f.Backup(context.Background(), "alice")
	if !errors.Is(err, ErrNoKeyToBackUp) {
		t.Fatalf("expected ErrNoKeyToBackUp, got %v", err)
	}
	if len(res.Phrase) != 0 {
		t.Fatal("no phrase may be produced without a key")
	}
}

func TestBackupOnOneDeviceRestoreOnAnother(t *testing.T) {
	ctx := context.Background()
	deviceA := vault.NewMemoryVault()
	original := seedKey(t, deviceA, "alice")

	backup, err := NewFlow(deviceA, nil).Backup(ctx, "alice")
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if backup.Outcome != OutcomeBackupDisplayed || len(backup.Phrase) != keycodec.PhraseWords {
		t.Fatalf("unexpected backup result: outcome=%s words=%d", backup.Outcome, len(backup.Phrase))
	}

	// The user transcribes the phrase by hand on device B.
	typed := keycodec.ParsePhrase("  " + strings.ToUpper(backup.Phrase.String()) + "\n")

	deviceB := vault.NewMemoryVault()
	dir := directory.NewMemoryDirectory()
	res, err := NewFlow(deviceB, dir).Restore(ctx, "alice", typed)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if res.Outcome != OutcomeRestoreSucceeded || res.PublishErr != nil {
		t.Fatalf("unexpected restore result: %+v", res)
	}
	if !bytes.Equal(res.KeyPair.PublicKey, original.PublicKey) {
		t.Fatal("restored public key differs from original")
	}
	if len(res.KeyPair.PrivateKey) != 0 {
		t.Fatal("result must not carry private material")
	}

	restored, ok, err := deviceB.Get(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("expected key on device B, ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(restored.PrivateKey, original.PrivateKey) {
		t.Fatal("device B holds a different private key")
	}
	entry, err := dir.Get(ctx, "alice")
	if err != nil || !bytes.Equal(entry.PublicKey, original.PublicKey) {
		t.Fatalf("expected directory republished, err=%v", err)
	}
}

func TestRestoreWithMissingWordLeavesVaultUnchanged(t *testing.T) {
	ctx := context.Background()
	source := vault.NewMemoryVault()
	seedKey(t, source, "alice")
	backup, err := NewFlow(source, nil).Backup(ctx, "alice")
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	target := vault.NewMemoryVault()
	existing := seedKey(t, target, "alice")
	short := append(keycodec.Phrase(nil), backup.Phrase[:len(backup.Phrase)-1]...)

	res, err := NewFlow(target, nil).Restore(ctx, "alice", short)
	if !errors.Is(err, keycodec.ErrWrongLength) {
		t.Fatalf("expected ErrWrongLength, got %v", err)
	}
	if res.Outcome != OutcomeRestoreFailed || !errors.Is(res.Reason, keycodec.ErrWrongLength) {
		t.Fatalf("unexpected result: %+v", res)
	}
	still, _, _ := target.Get(ctx, "alice")
	if !bytes.Equal(still.PrivateKey, existing.PrivateKey) {
		t.Fatal("failed restore must not touch the vault")
	}
}

func TestRestoreRejectsCorruptedPhrases(t *testing.T) {
	ctx := context.Background()
	source := vault.NewMemoryVault()
	seedKey(t, source, "alice")
	backup, _ := NewFlow(source, nil).Backup(ctx, "alice")

	unknown := append(keycodec.Phrase(nil), backup.Phrase...)
	unknown[3] = "notaword"
	substituted := append(keycodec.Phrase(nil), backup.Phrase...)
	if substituted[2] == "abandon" {
		substituted[2] = "ability"
	} else {
		substituted[2] = "abandon"
	}

	cases := []struct {
		name   string
		phrase keycodec.Phrase
		want   error
	}{
		{"unknown word", unknown, keycodec.ErrUnknownWord},
		{"substituted word", substituted, keycodec.ErrChecksumMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := vault.NewMemoryVault()
			_, err := NewFlow(target, nil).Restore(ctx, "alice", tc.phrase)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if _, ok, _ := target.Get(ctx, "alice"); ok {
				t.Fatal("vault must stay empty")
			}
		})
	}
}

func TestRestoreVaultFailureKeepsExistingKey(t *testing.T) {
	ctx := context.Background()
	mem := vault.NewMemoryVault()
	existing := seedKey(t, mem, "alice")

	other := vault.NewMemoryVault()
	seedKey(t, other, "alice")
	backup, _ := NewFlow(other, nil).Backup(ctx, "alice")

	res, err := NewFlow(brokenWrites{mem}, nil).Restore(ctx, "alice", backup.Phrase)
	if !errors.Is(err, vault.ErrVaultUnavailable) {
		t.Fatalf("expected ErrVaultUnavailable, got %v", err)
	}
	if res.Outcome != OutcomeRestoreFailed {
		t.Fatalf("unexpected outcome: %s", res.Outcome)
	}
	still, _, _ := mem.Get(ctx, "alice")
	if !bytes.Equal(still.PrivateKey, existing.PrivateKey) {
		t.Fatal("existing key must survive a failed restore")
	}
}

func TestRestorePublishFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	source := vault.NewMemoryVault()
	original := seedKey(t, source, "alice")
	backup, _ := NewFlow(source, nil).Backup(ctx, "alice")

	pub := &downPublisher{}
	target := vault.NewMemoryVault()
	res, err := NewFlow(target, pub).Restore(ctx, "alice", backup.Phrase)
	if err != nil {
		t.Fatalf("restore should succeed locally: %v", err)
	}
	if res.Outcome != OutcomeRestoreSucceeded {
		t.Fatalf("unexpected outcome: %s", res.Outcome)
	}
	if !errors.Is(res.PublishErr, keypair.ErrPublicationFailed) || !errors.Is(res.PublishErr, directory.ErrUnavailable) {
		t.Fatalf("expected wrapped publication failure, got %v", res.PublishErr)
	}
	stored, _, _ := target.Get(ctx, "alice")
	if !bytes.Equal(stored.PrivateKey, original.PrivateKey) {
		t.Fatal("key must be stored even when publish fails")
	}
	if pub.calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", pub.calls)
	}
}

func TestRestoreCancelledBeforeDecode(t *testing.T) {
	source := vault.NewMemoryVault()
	seedKey(t, source, "alice")
	backup, _ := NewFlow(source, nil).Backup(context.Background(), "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := vault.NewMemoryVault()
	if _, err := NewFlow(target, nil).Restore(ctx, "alice", backup.Phrase); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok, _ := target.Get(context.Background(), "alice"); ok {
		t.Fatal("cancelled restore must not write")
	}
}

func TestVerifyPhrase(t *testing.T) {
	ctx := context.Background()
	mem := vault.NewMemoryVault()
	seedKey(t, mem, "alice")
	f := NewFlow(mem, nil)
	backup, _ := f.Backup(ctx, "alice")

	if err := f.Verify(ctx, "alice", backup.Phrase); err != nil {
		t.Fatalf("expected phrase to verify: %v", err)
	}

	other := vault.NewMemoryVault()
	seedKey(t, other, "alice")
	otherBackup, _ := NewFlow(other, nil).Backup(ctx, "alice")
	if err := f.Verify(ctx, "alice", otherBackup.Phrase); !errors.Is(err, ErrPhraseMismatch) {
		t.Fatalf("expected ErrPhraseMismatch, got %v", err)
	}
	if err := f.Verify(ctx, "bob", backup.Phrase); !errors.Is(err, ErrNoKeyToBackUp) {
		t.Fatalf("expected ErrNoKeyToBackUp, got %v", err)
	}
	if err := f.Verify(ctx, "alice", backup.Phrase[:5]); !errors.Is(err, keycodec.ErrWrongLength) {
		t.Fatalf("expected ErrWrongLength, got %v", err)
	}
}
