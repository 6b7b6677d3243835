package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"neighborly/go-backend/internal/securestore"
	"neighborly/go-backend/pkg/models"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

const (
	metaSealSalt  = "seal_salt"
	metaSealCheck = "seal_check"
	sealCheckText = "neighborly-device-vault"
)

// SQLiteVault keeps one row per user in an embedded database. Private keys
// are sealed at rest with a data key derived from the profile passphrase;
// the user id is bound as associated data so rows cannot be swapped.
type SQLiteVault struct {
	db      *sql.DB
	sealKey []byte
}

func OpenSQLiteVault(path, passphrase string) (*SQLiteVault, error) {
	path, passphrase = securestore.NormalizeStorageConfig(path, passphrase)
	if !securestore.IsStorageConfigured(path, passphrase) {
		return nil, fmt.Errorf("%w: sqlite vault requires a path and a passphrase", ErrVaultUnavailable)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("open", err)
	}
	// One connection keeps ":memory:" databases coherent and pragmas applied.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, unavailable("pragma", err)
		}
	}

	v := &SQLiteVault{db: db}
	if err := v.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := v.initSealKey(passphrase); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

func (v *SQLiteVault) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_keys (
		user_id TEXT PRIMARY KEY,
		private_key BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`
	if _, err := v.db.Exec(schema); err != nil {
		return unavailable("schema", err)
	}
	return nil
}

// initSealKey derives the data key and checks it against a sealed marker,
// so a wrong passphrase surfaces at open instead of as per-row failures.
func (v *SQLiteVault) initSealKey(passphrase string) error {
	salt, err := securestore.NewSalt()
	if err != nil {
		return unavailable("salt", err)
	}
	if _, err := v.db.Exec(`INSERT INTO _metadata(key, value) VALUES(?, ?) ON CONFLICT(key) DO NOTHING`, metaSealSalt, salt); err != nil {
		return unavailable("salt", err)
	}
	if err := v.db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, metaSealSalt).Scan(&salt); err != nil {
		return unavailable("salt", err)
	}
	if len(salt) != securestore.SaltSize {
		return unavailable("salt", errors.New("stored salt has wrong size"))
	}
	v.sealKey = securestore.DeriveKey(passphrase, salt)

	var check []byte
	err = v.db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, metaSealCheck).Scan(&check)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sealed, err := v.seal([]byte(sealCheckText), metaSealCheck)
		if err != nil {
			return unavailable("seal check", err)
		}
		if _, err := v.db.Exec(`INSERT INTO _metadata(key, value) VALUES(?, ?)`, metaSealCheck, sealed); err != nil {
			return unavailable("seal check", err)
		}
		return nil
	case err != nil:
		return unavailable("seal check", err)
	}
	plain, err := v.open(check, metaSealCheck)
	if err != nil || string(plain) != sealCheckText {
		securestore.Zero(v.sealKey)
		return unavailable("seal check", errors.New("passphrase does not unlock this vault"))
	}
	return nil
}

func (v *SQLiteVault) Get(ctx context.Context, userID string) (models.KeyPair, bool, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return models.KeyPair{}, false, err
	}
	kp, ok, err := v.getWith(ctx, v.db, id)
	return kp, ok, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (v *SQLiteVault) getWith(ctx context.Context, q queryer, id string) (models.KeyPair, bool, error) {
	var (
		sealed    []byte
		createdAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT private_key, created_at FROM device_keys WHERE user_id = ?`, id).Scan(&sealed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.KeyPair{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.KeyPair{}, false, ctxErr
		}
		return models.KeyPair{}, false, unavailable("get", err)
	}
	priv, err := v.open(sealed, id)
	if err != nil {
		return models.KeyPair{}, false, unavailable("get", err)
	}
	defer securestore.Zero(priv)
	kp, err := toKeyPair(id, storedRecord{PrivateKey: priv, CreatedAt: time.Unix(0, createdAt)})
	if err != nil {
		return models.KeyPair{}, false, err
	}
	return kp, true, nil
}

func (v *SQLiteVault) PutIfAbsent(ctx context.Context, userID string, kp models.KeyPair) (models.KeyPair, error) {
	id, rec, err := prepareRecord(userID, kp)
	if err != nil {
		return models.KeyPair{}, err
	}
	defer securestore.Zero(rec.PrivateKey)
	sealed, err := v.seal(rec.PrivateKey, id)
	if err != nil {
		return models.KeyPair{}, unavailable("seal", err)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return models.KeyPair{}, v.execErr(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_keys(user_id, private_key, created_at) VALUES(?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		id, sealed, rec.CreatedAt.UnixNano(),
	); err != nil {
		return models.KeyPair{}, v.execErr(ctx, "insert", err)
	}
	stored, ok, err := v.getWith(ctx, tx, id)
	if err != nil {
		return models.KeyPair{}, err
	}
	if !ok {
		return models.KeyPair{}, unavailable("insert", errors.New("record missing after insert"))
	}
	if err := tx.Commit(); err != nil {
		return models.KeyPair{}, v.execErr(ctx, "commit", err)
	}
	return stored, nil
}

func (v *SQLiteVault) Overwrite(ctx context.Context, userID string, kp models.KeyPair) error {
	id, rec, err := prepareRecord(userID, kp)
	if err != nil {
		return err
	}
	defer securestore.Zero(rec.PrivateKey)
	sealed, err := v.seal(rec.PrivateKey, id)
	if err != nil {
		return unavailable("seal", err)
	}
	_, err = v.db.ExecContext(ctx,
		`INSERT INTO device_keys(user_id, private_key, created_at) VALUES(?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET private_key = excluded.private_key, created_at = excluded.created_at`,
		id, sealed, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return v.execErr(ctx, "overwrite", err)
	}
	return nil
}

func (v *SQLiteVault) Delete(ctx context.Context, userID string) error {
	id, err := normalizeID(userID)
	if err != nil {
		return err
	}
	if _, err := v.db.ExecContext(ctx, `DELETE FROM device_keys WHERE user_id = ?`, id); err != nil {
		return v.execErr(ctx, "delete", err)
	}
	return nil
}

func (v *SQLiteVault) Close() error {
	securestore.Zero(v.sealKey)
	return v.db.Close()
}

func (v *SQLiteVault) execErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return unavailable(op, err)
}

// seal output layout: nonce (24B) || ciphertext.
func (v *SQLiteVault) seal(plaintext []byte, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.sealKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

func (v *SQLiteVault) open(sealed []byte, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.sealKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, errors.New("sealed value failed authentication")
	}
	return plain, nil
}
