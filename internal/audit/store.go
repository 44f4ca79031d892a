package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/runtime-governor/governor/internal/governor"
)

// Store is a BoltDB-backed ledger mirror and KernelState snapshot store.
// It is advisory, not authoritative: the hash-chained file Log (log.go)
// remains the source of truth verify() checks against. Store exists to
// give restart recovery for a governed agent's in-memory KernelState and
// a queryable secondary index over audit entries, adapted from
// internal/storage/bolt.go's bucket layout and ACID transaction pattern.
//
// Bucket layout:
//
//	/kernels
//	    key:   agent_id
//	    value: JSON-encoded KernelSnapshot
//
//	/ledger
//	    key:   zero-padded seq (20 digits, sortable)
//	    value: JSON-encoded AuditEntry (mirrors the canonical file log)
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
type Store struct {
	db *bolt.DB
}

const (
	storeSchemaVersion = "1"

	bucketKernels = "kernels"
	bucketLedger  = "ledger"
	bucketMeta    = "meta"
)

// KernelSnapshot is the persisted form of a KernelState, keyed by
// agent_id. The in-memory KernelState remains authoritative during a
// running process; this snapshot is read back only through
// GetKernelSnapshot, which cmd/governor does not call.
type KernelSnapshot struct {
	AgentID   string             `json:"agent_id"`
	StepIndex int                `json:"step_index"`
	Pressures governor.Pressures `json:"pressures"`
	Budgets   governor.Budgets   `json:"budgets"`
	Halted    bool               `json:"halted"`
	Failure   string             `json:"failure"`
	Reason    string             `json:"reason,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// OpenStore opens (or creates) the BoltDB file at path and ensures its
// buckets and schema version are initialised.
func OpenStore(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit.OpenStore(%q): %w", path, err)
	}

	s := &Store{db: bdb}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketKernels, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(storeSchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit.OpenStore(%q): init: %w", path, err)
	}

	return s, nil
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutKernelSnapshot writes the current snapshot for agent_id in a single
// ACID write transaction.
func (s *Store) PutKernelSnapshot(snap KernelSnapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("PutKernelSnapshot marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKernels)).Put([]byte(snap.AgentID), data)
	})
}

// GetKernelSnapshot retrieves the last snapshot for agent_id. Returns
// (nil, nil) if none exists — the caller should start a fresh KernelState.
func (s *Store) GetKernelSnapshot(agentID string) (*KernelSnapshot, error) {
	var snap KernelSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketKernels)).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, fmt.Errorf("GetKernelSnapshot(%q): %w", agentID, err)
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

// MirrorEntry writes a secondary-index copy of an already-durable
// AuditEntry. Never called before the canonical file Log.Append has
// returned successfully — Store is a mirror, not a second source of
// truth.
func (s *Store) MirrorEntry(e AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("MirrorEntry marshal: %w", err)
	}
	key := []byte(fmt.Sprintf("%020d", e.Seq))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).Put(key, data)
	})
}

// ReadLedgerMirror returns all mirrored entries in seq order. For
// operational inspection; never on the hot path. GET /audit does not use
// it (its summary comes from Log.Len and Log.HeadHash).
func (s *Store) ReadLedgerMirror() ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).ForEach(func(_, v []byte) error {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
