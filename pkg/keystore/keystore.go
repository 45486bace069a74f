// Package keystore provides persistent storage for named AES keys using
// BoltDB, so the key a bootloader was built with is available later for
// firmware encryption.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/helioflight/bltool/pkg/keygen"
)

// StoredKey represents a registered key.
type StoredKey struct {
	Name      string    `json:"name"`
	KeyHex    string    `json:"key_hex"`
	Bits      int       `json:"bits"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// Store manages named keys in a BoltDB file.
type Store struct {
	db   *bbolt.DB
	path string
}

var keysBucket = []byte("keys")

// DefaultPath returns the key database location used when none is
// configured.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".bltool", "keys.db"), nil
}

// Open opens (creating if necessary) the key database at path. An empty path
// uses DefaultPath.
func Open(path string) (*Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(keysBucket); err != nil {
			return fmt.Errorf("failed to create keys bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put registers a key under name. The key must decode to a valid AES key and
// the name must not already be taken; keys are never silently overwritten.
func (s *Store) Put(name, keyHex string) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	raw, err := keygen.Decode(keyHex)
	if err != nil {
		return err
	}
	if keygen.Reserved(raw) {
		return fmt.Errorf("key %q is reserved by the bootloader and cannot be registered", name)
	}

	entry := StoredKey{
		Name:      name,
		KeyHex:    keyHex,
		Bits:      len(raw) * 8,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal key entry: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if bucket.Get([]byte(name)) != nil {
			return fmt.Errorf("key %q already exists", name)
		}
		return bucket.Put([]byte(name), data)
	})
}

// Get returns the key registered under name.
func (s *Store) Get(name string) (*StoredKey, error) {
	var entry StoredKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(keysBucket).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("key %q not found", name)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns all registered keys in name order.
func (s *Store) List() ([]*StoredKey, error) {
	var entries []*StoredKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(keysBucket).ForEach(func(_, data []byte) error {
			var entry StoredKey
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal key entry: %w", err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove deletes the key registered under name.
func (s *Store) Remove(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if bucket.Get([]byte(name)) == nil {
			return fmt.Errorf("key %q not found", name)
		}
		return bucket.Delete([]byte(name))
	})
}

// Touch records that the key was just used (for example to encrypt an
// image).
func (s *Store) Touch(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		data := bucket.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("key %q not found", name)
		}
		var entry StoredKey
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal key entry: %w", err)
		}
		entry.LastUsed = time.Now()
		updated, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal key entry: %w", err)
		}
		return bucket.Put([]byte(name), updated)
	})
}
