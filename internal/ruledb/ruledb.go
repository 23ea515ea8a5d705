// Package ruledb is the BoltDB-backed ledger for cgfence.
//
// Schema (BoltDB bucket layout):
//
//	/containers
//	    key:   container id
//	    value: JSON-encoded InstallRecord
//
//	/denials
//	    key:   fixed-width UTC timestamp (nanoseconds) + "_" + cgroup id  [monotonic, sortable]
//	    value: JSON-encoded DenialRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Purpose:
//   - Restart recovery: containers present in the ledger but unknown to a
//     freshly started manager had live rules when the previous instance
//     died. The kernel side is reset by the pinned-map replacement path;
//     the ledger names what was lost.
//   - Audit: the deny-event consumer appends every denial here.
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers). All writes use ACID transactions.
//
// Failure modes:
//   - Ledger writes are best-effort for enforcement: a failed Put is
//     logged by the caller and enforcement continues.
//   - Database corruption is detected by bbolt on Open and returned as an
//     error; the ledger file is not replaced. cgfenced treats a failed
//     Open as fatal at startup.

package ruledb

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current ledger schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default denial retention period.
	DefaultRetentionDays = 14

	bucketContainers = "containers"
	bucketDenials    = "denials"
	bucketMeta       = "meta"
)

// InstallRecord is the persisted summary of one container's installed
// rules.
type InstallRecord struct {
	ContainerID   string         `json:"container_id"`
	CgroupID      uint64         `json:"cgroup_id"`
	Level         string         `json:"level"`
	RuleCounts    map[string]int `json:"rule_counts"`
	PopulateCount int            `json:"populate_count"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DenialRecord is one audited kernel denial.
type DenialRecord struct {
	Timestamp time.Time `json:"timestamp"`
	CgroupID  uint64    `json:"cgroup_id"`
	Dev       uint64    `json:"dev"`
	Ino       uint64    `json:"ino"`
	Required  uint32    `json:"required"`
	Hook      string    `json:"hook"`
	Comm      string    `json:"comm"`
	Basename  string    `json:"basename,omitempty"`
}

// DB wraps a bbolt instance with typed accessors for cgfence data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the ledger at path and initialises the buckets
// and schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketContainers, bucketDenials, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("ledger schema mismatch: database has %q, daemon requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Container install records ────────────────────────────────────────────────

// PutContainer writes or updates the install record for a container.
func (d *DB) PutContainer(rec InstallRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutContainer marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketContainers)).Put([]byte(rec.ContainerID), data)
	})
}

// DeleteContainer removes a container's install record. Missing records
// are not an error.
func (d *DB) DeleteContainer(containerID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketContainers)).Delete([]byte(containerID))
	})
}

// ListContainers returns every recorded container, unordered.
func (d *DB) ListContainers() ([]InstallRecord, error) {
	var out []InstallRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketContainers)).ForEach(func(_, v []byte) error {
			var rec InstallRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ─── Denial records ───────────────────────────────────────────────────────────

// denialKeyLayout is RFC 3339 with a fixed nine-digit fraction, so every
// key has the same width.
const denialKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// denialKey constructs a sortable key: fixed-width UTC timestamp + "_" +
// cgroup id zero-padded. Lexicographic sort = chronological sort.
func denialKey(t time.Time, cgroupID uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(denialKeyLayout), cgroupID))
}

// AppendDenial writes one denial record.
func (d *DB) AppendDenial(rec DenialRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendDenial marshal: %w", err)
	}
	key := denialKey(rec.Timestamp, rec.CgroupID)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDenials)).Put(key, data)
	})
}

// PruneOldDenials deletes denial records older than the retention period.
// Returns the number of entries deleted.
func (d *DB) PruneOldDenials() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := denialKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDenials))
		c := b.Cursor()

		// Collect keys first (bbolt cursors do not support delete during
		// iteration).
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldDenials delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadDenials returns all denial records in chronological order. For
// operator inspection, not the hot path.
func (d *DB) ReadDenials() ([]DenialRecord, error) {
	var out []DenialRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDenials)).ForEach(func(_, v []byte) error {
			var rec DenialRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
