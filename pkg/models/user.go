package models

import (
	"errors"
	"strings"
	"unicode"
)

const MaxUserIDLength = 128

var ErrInvalidUserID = errors.New("invalid user id")

// NormalizeUserID trims the id and rejects empty, oversized or
// control-character ids. Every key lifecycle entry point runs ids through it.
func NormalizeUserID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > MaxUserIDLength {
		return "", ErrInvalidUserID
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", ErrInvalidUserID
		}
	}
	return id, nil
}
