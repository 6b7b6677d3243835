package app

import (
	"context"
	"errors"
	"strings"

	"neighborly/go-backend/internal/directory"
	"neighborly/go-backend/internal/keycodec"
	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/internal/messagecipher"
	"neighborly/go-backend/internal/recovery"
	"neighborly/go-backend/internal/vault"
	"neighborly/go-backend/pkg/models"
)

var (
	ErrRecipientKeyUnavailable = errors.New("recipient has no published key")
	// ErrSenderUnverified means the envelope decrypted but its sender key is
	// not the one the directory holds for its sender id.
	ErrSenderUnverified = errors.New("envelope sender not verified")
)

// Error classes tell the UI what to do next.
const (
	ClassRetry       = "retry"
	ClassFatal       = "fatal"
	ClassReenter     = "reenter"
	ClassUserAction  = "user_action"
	ClassTampered    = "tampered"
	ClassUnsupported = "unsupported"
	ClassUnverified  = "unverified"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorClass(class string) string {
	switch strings.ToLower(strings.TrimSpace(class)) {
	case ClassRetry:
		return ClassRetry
	case ClassReenter:
		return ClassReenter
	case ClassUserAction:
		return ClassUserAction
	case ClassTampered:
		return ClassTampered
	case ClassUnsupported:
		return ClassUnsupported
	case ClassUnverified:
		return ClassUnverified
	default:
		return ClassFatal
	}
}

// WrapCategorizedError keeps the class of an already categorized error.
func WrapCategorizedError(class string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorClass(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorClass(class),
		Err:      err,
	}
}

// ErrorClass returns the class of err, or "" for nil.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorClass(classified.Category)
	}
	return classify(err)
}

// categorize wraps err with the class derived from its sentinel.
func categorize(err error) error {
	if err == nil {
		return nil
	}
	return WrapCategorizedError(classify(err), err)
}

func classify(err error) string {
	switch {
	case errors.Is(err, messagecipher.ErrAuthenticationFailed):
		return ClassTampered
	case errors.Is(err, messagecipher.ErrUnsupportedVersion):
		return ClassUnsupported
	case errors.Is(err, ErrSenderUnverified):
		return ClassUnverified
	case keycodec.IsDecodeError(err), errors.Is(err, recovery.ErrPhraseMismatch):
		return ClassReenter
	case errors.Is(err, recovery.ErrNoKeyToBackUp),
		errors.Is(err, keypair.ErrNoLocalKey),
		errors.Is(err, ErrRecipientKeyUnavailable),
		errors.Is(err, models.ErrInvalidUserID),
		errors.Is(err, messagecipher.ErrInvalidAddressing):
		return ClassUserAction
	case errors.Is(err, vault.ErrVaultUnavailable), errors.Is(err, vault.ErrInvalidRecord):
		return ClassFatal
	case errors.Is(err, keypair.ErrPublicationFailed),
		errors.Is(err, directory.ErrUnavailable),
		errors.Is(err, directory.ErrRateLimited),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassRetry
	default:
		return ClassFatal
	}
}
