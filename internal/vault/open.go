package vault

import (
	"fmt"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Backend    string
	Path       string
	Passphrase string
}

// Open builds the configured backend. Memory is only chosen explicitly.
func Open(cfg Config) (Vault, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendMemory:
		return NewMemoryVault(), nil
	case BackendFile, "":
		return NewFileVault(cfg.Path, cfg.Passphrase)
	case BackendSQLite:
		return OpenSQLiteVault(cfg.Path, cfg.Passphrase)
	default:
		return nil, fmt.Errorf("%w: unknown vault backend %q", ErrVaultUnavailable, cfg.Backend)
	}
}
