package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Archive is an append-only bbolt store holding the verbatim XML of every
// downloaded bank message, keyed by connection name and bank message id. It
// exists for audit: rows in the relational store may be re-parsed or
// quarantined, the archive copy never changes.
type Archive struct {
	db *bolt.DB
}

// OpenArchive opens (or creates) the archive file.
func OpenArchive(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Put stores one message body. Existing entries are left untouched so a
// replayed download cannot overwrite the audit copy.
func (a *Archive) Put(connection, messageID string, body []byte) error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(connection))
		if err != nil {
			return err
		}
		key := []byte(messageID)
		if bucket.Get(key) != nil {
			return nil
		}
		return bucket.Put(key, body)
	})
}

// Get returns the archived body, or nil when absent.
func (a *Archive) Get(connection, messageID string) ([]byte, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	var out []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(connection))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(messageID)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	return out, err
}

// MessageIDs lists the archived message ids for a connection in key order.
func (a *Archive) MessageIDs(connection string) ([]string, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	var ids []string
	err := a.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(connection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
