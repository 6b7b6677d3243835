package app

import (
	"bytes"
	"context"
	"errors"
	"time"

	"neighborly/go-backend/internal/directory"
	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/pkg/models"
)

type DoctorCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// DoctorReport describes whether the user's key is usable for secure
// messaging from this device. Ready is false if any check failed.
type DoctorReport struct {
	UserID      string        `json:"user_id"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Ready       bool          `json:"ready"`
	Checks      []DoctorCheck `json:"checks"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// Doctor inspects the local key and its directory entry without changing
// either. Only an invalid user id is returned as an error; every other
// problem is a failed check.
func (s *Service) Doctor(ctx context.Context, userID string) (DoctorReport, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return DoctorReport{}, categorize(err)
	}
	report := DoctorReport{
		UserID:    id,
		Ready:     true,
		Checks:    make([]DoctorCheck, 0, 6),
		CheckedAt: s.now().UTC(),
	}
	appendCheck := func(name string, pass bool, reason string) {
		report.Checks = append(report.Checks, DoctorCheck{Name: name, Pass: pass, Reason: reason})
		if !pass {
			report.Ready = false
		}
	}

	kp, ok, err := s.vault.Get(ctx, id)
	defer kp.Wipe()
	appendCheck("vault_readable", err == nil, errReason(err))
	if err != nil {
		return report, nil
	}
	appendCheck("local_key_present", ok, failReason(!ok, "no key on this device; run ensure or restore"))
	if !ok {
		return report, nil
	}
	report.Fingerprint = keypair.Fingerprint(kp.PublicKey)

	entry, err := s.directory.Get(ctx, id)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		appendCheck("directory_reachable", true, "")
		appendCheck("directory_key_published", false, "directory has no entry for this user")
	case err != nil:
		appendCheck("directory_reachable", false, err.Error())
	default:
		appendCheck("directory_reachable", true, "")
		appendCheck("directory_key_published", true, "")
		matches := bytes.Equal(entry.PublicKey, kp.PublicKey)
		appendCheck("directory_key_matches", matches,
			failReason(!matches, "directory holds "+keypair.Fingerprint(entry.PublicKey)+"; republish from the device with the current key"))
	}

	pending := s.PublishPending(id)
	appendCheck("publish_queue_idle", !pending, failReason(pending, "a publish retry is still queued"))
	return report, nil
}

func failReason(failed bool, reason string) string {
	if !failed {
		return ""
	}
	return reason
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
