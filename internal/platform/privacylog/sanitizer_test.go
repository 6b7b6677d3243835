package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type secretPhrase []string

func (secretPhrase) LogValue() slog.Value { return slog.StringValue(redactedValue) }

func TestSanitizeArgsFingerprintsUserIDs(t *testing.T) {
	args := SanitizeArgs(
		"user_id", "alice",
		"recipient_id", "bob",
		"version", 2,
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "user_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") || strings.Contains(got, "alice") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "version" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizingHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"user_id", "alice",
		"private_key", "0011223344",
		"recovery_phrase", "abandon abandon",
		"vault_passphrase", "hunter2",
		"outcome", "ok",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["user_id"]; ok {
		t.Fatal("user_id should not be present")
	}
	if _, ok := payload["user_id_fp"]; !ok {
		t.Fatal("user_id_fp should be present")
	}
	for _, key := range []string{"private_key", "recovery_phrase", "vault_passphrase"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if got, _ := payload["outcome"].(string); got != "ok" {
		t.Fatalf("expected outcome untouched, got %q", got)
	}
	for _, leaked := range []string{"alice", "0011223344", "abandon", "hunter2"} {
		if strings.Contains(buf.String(), leaked) {
			t.Fatalf("log leaked %q: %s", leaked, buf.String())
		}
	}
}

func TestSanitizingHandlerResolvesLogValuers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "words", secretPhrase{"zoo", "zoo"})
	if strings.Contains(buf.String(), "zoo") {
		t.Fatalf("log valuer leaked words: %s", buf.String())
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("sender_id", "alice"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "sender_id_fp") {
		t.Fatalf("expected sanitized sender_id key, got %s", buf.String())
	}
}

func TestWithAttrsSanitizesBoundAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("user_id", "carol")
	logger.Info("bound")
	if strings.Contains(buf.String(), "carol") {
		t.Fatalf("bound attr leaked: %s", buf.String())
	}
}

func TestFingerprintIDStableWithinProcess(t *testing.T) {
	if FingerprintID("alice") != FingerprintID(" alice ") {
		t.Fatal("expected fingerprint to ignore surrounding space")
	}
	if FingerprintID("alice") == FingerprintID("bob") {
		t.Fatal("expected distinct fingerprints")
	}
	if FingerprintID("") != "" {
		t.Fatal("expected empty fingerprint for empty id")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "text")
	logger.Debug("hello", "user_id", "dave")
	out := buf.String()
	if !strings.Contains(out, "hello") || strings.Contains(out, "dave") {
		t.Fatalf("unexpected text output: %s", out)
	}

	buf.Reset()
	logger = NewLogger(&buf, "warn", "json")
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("expected info suppressed at warn level, got %s", buf.String())
	}
	logger.Warn("loud")
	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Fatalf("expected json output, got %s", buf.String())
	}
}
