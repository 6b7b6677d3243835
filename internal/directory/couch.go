package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"neighborly/go-backend/pkg/models"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

const couchDocPrefix = "public_key:"

// publicKeyDoc is the CouchDB document of one directory entry.
type publicKeyDoc struct {
	ID          string    `json:"_id,omitempty"`
	Rev         string    `json:"_rev,omitempty"`
	Type        string    `json:"type"`
	UserID      string    `json:"user_id"`
	PublicKey   []byte    `json:"public_key"`
	PublishedAt time.Time `json:"published_at"`
}

// CouchDirectory stores one document per user, id "public_key:<user>".
type CouchDirectory struct {
	db  *kivik.DB
	now func() time.Time
}

// OpenCouchDirectory connects to dsn and creates dbName when missing.
func OpenCouchDirectory(ctx context.Context, dsn, dbName string) (*CouchDirectory, error) {
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect couchdb: %v", ErrUnavailable, err)
	}
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("%w: check database: %v", ErrUnavailable, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			return nil, fmt.Errorf("%w: create database: %v", ErrUnavailable, err)
		}
	}
	return NewCouchDirectory(client.DB(dbName)), nil
}

func NewCouchDirectory(db *kivik.DB) *CouchDirectory {
	return &CouchDirectory{db: db, now: time.Now}
}

func (d *CouchDirectory) Get(ctx context.Context, userID string) (models.DirectoryEntry, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return models.DirectoryEntry{}, err
	}
	var doc publicKeyDoc
	if err := d.db.Get(ctx, couchDocPrefix+id).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return models.DirectoryEntry{}, ErrNotFound
		}
		return models.DirectoryEntry{}, d.unavailable("get", err)
	}
	return models.DirectoryEntry{
		UserID:      doc.UserID,
		PublicKey:   doc.PublicKey,
		PublishedAt: doc.PublishedAt.UTC(),
	}, nil
}

// Publish replaces the user's document, retrying once when another writer
// bumped the revision between read and write.
func (d *CouchDirectory) Publish(ctx context.Context, userID string, publicKey []byte) error {
	id, err := validateEntry(userID, publicKey)
	if err != nil {
		return err
	}
	docID := couchDocPrefix + id
	for attempt := 0; attempt < 2; attempt++ {
		doc := publicKeyDoc{
			Type:        "public_key",
			UserID:      id,
			PublicKey:   publicKey,
			PublishedAt: d.now().UTC(),
		}
		rev, err := d.currentRev(ctx, docID)
		if err != nil {
			return err
		}
		doc.Rev = rev
		_, err = d.db.Put(ctx, docID, doc)
		if err == nil {
			return nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return d.unavailable("put", err)
		}
	}
	return fmt.Errorf("%w: concurrent update of %s", ErrUnavailable, docID)
}

func (d *CouchDirectory) currentRev(ctx context.Context, docID string) (string, error) {
	var doc publicKeyDoc
	err := d.db.Get(ctx, docID).ScanDoc(&doc)
	if err == nil {
		return doc.Rev, nil
	}
	if kivik.HTTPStatus(err) == http.StatusNotFound {
		return "", nil
	}
	return "", d.unavailable("get rev", err)
}

func (d *CouchDirectory) unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: couchdb %s: %v", ErrUnavailable, op, err)
}
