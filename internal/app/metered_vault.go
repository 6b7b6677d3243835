package app

import (
	"context"
	"errors"

	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/internal/vault"
	"neighborly/go-backend/pkg/models"
)

// meteredVault counts storage failures of the wrapped vault per operation.
type meteredVault struct {
	vault.Vault
	metrics *metrics.KeyLifecycle
}

func (v meteredVault) Get(ctx context.Context, userID string) (models.KeyPair, bool, error) {
	kp, ok, err := v.Vault.Get(ctx, userID)
	v.observe("get", err)
	return kp, ok, err
}

func (v meteredVault) PutIfAbsent(ctx context.Context, userID string, kp models.KeyPair) (models.KeyPair, error) {
	stored, err := v.Vault.PutIfAbsent(ctx, userID, kp)
	v.observe("put_if_absent", err)
	return stored, err
}

func (v meteredVault) Overwrite(ctx context.Context, userID string, kp models.KeyPair) error {
	err := v.Vault.Overwrite(ctx, userID, kp)
	v.observe("overwrite", err)
	return err
}

func (v meteredVault) Delete(ctx context.Context, userID string) error {
	err := v.Vault.Delete(ctx, userID)
	v.observe("delete", err)
	return err
}

func (v meteredVault) observe(op string, err error) {
	if errors.Is(err, vault.ErrVaultUnavailable) {
		v.metrics.VaultError(op)
	}
}
