package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.order-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	kvBucket  = []byte("kv")
	tokenKey  = []byte("token")
	userKey   = []byte("user_id")
)

// State wraps a bbolt database for all persistent application state: the
// session credentials in the app bucket and the replica data in a flat
// key-value bucket.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.order-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(kvBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached bearer token, or empty string.
func (s *State) Token() string {
	return s.appValue(tokenKey)
}

// SetToken persists the bearer token.
func (s *State) SetToken(token string) error {
	return s.setAppValue(tokenKey, token)
}

// UserID returns the last authenticated user, or empty string.
func (s *State) UserID() string {
	return s.appValue(userKey)
}

// SetUserID persists the authenticated user.
func (s *State) SetUserID(userID string) error {
	return s.setAppValue(userKey, userID)
}

func (s *State) appValue(key []byte) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

func (s *State) setAppValue(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(value))
	})
}

// Get returns the value stored under key, or nil when the key is absent.
// The returned slice is a copy and stays valid after the transaction.
func (s *State) Get(key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(kvBucket).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *State) Set(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *State) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}

// DefaultPath returns ~/.order-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".order-sync", "state.db"), nil
}
