// Package persistence stores the worker's registration identity and
// control-plane credentials across restarts in a bbolt-backed store, plus
// Windows ACL hardening on the credential file and a single-instance lock
// so two worker processes never share a data directory.
package persistence

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetworker/agent/pkg/ids"
)

var (
	bucketWorker      = []byte("worker")
	bucketCredentials = []byte("credentials")
)

const (
	keyIdentity = "identity"
	keyCert     = "certificate"
)

// Identity is the worker's persisted registration record.
type Identity struct {
	WorkerID ids.WorkerID `json:"workerId"`
	FarmID   ids.FarmID   `json:"farmId"`
	FleetID  ids.FleetID  `json:"fleetId"`
}

// Credential is the persisted mTLS client certificate/key pair issued by
// create_worker, re-loaded on restart instead of re-registering.
type Credential struct {
	CertPEM []byte `json:"certPem"`
	KeyPEM  []byte `json:"keyPem"`
}

// Store is the bbolt-backed persistence layer.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the worker state database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "fleetworker.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWorker); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create buckets: %w", err)
	}

	if err := hardenPermissions(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: harden permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveIdentity persists the worker's registration identity.
func (s *Store) SaveIdentity(id Identity) error {
	return s.put(bucketWorker, keyIdentity, id)
}

// LoadIdentity returns the persisted identity, if any.
func (s *Store) LoadIdentity() (Identity, bool, error) {
	var id Identity
	ok, err := s.get(bucketWorker, keyIdentity, &id)
	return id, ok, err
}

// SaveCredential persists the mTLS credential issued at registration.
func (s *Store) SaveCredential(cred Credential) error {
	return s.put(bucketCredentials, keyCert, cred)
}

// LoadCredential returns the persisted credential, if any.
func (s *Store) LoadCredential() (Credential, bool, error) {
	var cred Credential
	ok, err := s.get(bucketCredentials, keyCert, &cred)
	return cred, ok, err
}

func (s *Store) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persistence: marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) get(bucket []byte, key string, v interface{}) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("persistence: unmarshal: %w", err)
	}
	return true, nil
}
