package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var (
	bucketRules       = []byte("rules")
	bucketRevisions   = []byte("revisions")
	bucketRuleSets    = []byte("rulesets")
	bucketRuleClasses = []byte("ruleclasses")
	bucketGenerators  = []byte("generators")
	bucketRefTypes    = []byte("reference_types")
	bucketSensors     = []byte("sensors")
	bucketSensorIDs   = []byte("sensor_ids")
	bucketSuppress    = []byte("suppress")
	bucketDetection   = []byte("detection_filters")
	bucketEventFilter = []byte("event_filters")
	bucketSources     = []byte("sources")
	bucketUpdates     = []byte("updates")
	bucketRuleChanges = []byte("rule_changes")
)

var allBuckets = [][]byte{
	bucketRules, bucketRevisions, bucketRuleSets, bucketRuleClasses,
	bucketGenerators, bucketRefTypes, bucketSensors, bucketSensorIDs,
	bucketSuppress, bucketDetection, bucketEventFilter, bucketSources,
	bucketUpdates, bucketRuleChanges,
}

// Options controls how the database file is opened.
type Options struct {
	SyncWrites bool
	Timeout    time.Duration
}

// DB is the persistent store for rules, rulesets, sensors and updates.
type DB struct {
	bolt *bolt.DB
}

// Tx is a read or read-write transaction over the store.
type Tx struct {
	tx *bolt.Tx
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts Options) (*DB, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	b, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: opts.Timeout,
		NoSync:  !opts.SyncWrites,
	})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("failed to open state db %s: %w", path, ErrBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	return &DB{bolt: b}, nil
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.bolt.Path()
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(*Tx) error) error {
	return d.bolt.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Update runs fn in a read-write transaction. Writers are serialized.
func (d *DB) Update(fn func(*Tx) error) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

func (t *Tx) bucket(name []byte) *bolt.Bucket {
	return t.tx.Bucket(name)
}

func u64Key(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

func u32Key(v uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, v)
	return k
}

func decodeU64(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

func decodeU32(k []byte) uint32 {
	return binary.BigEndian.Uint32(k)
}

func getJSON[T any](b *bolt.Bucket, key []byte) (*T, error) {
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	var out T
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return &out, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return b.Put(key, data)
}

func listJSON[T any](b *bolt.Bucket) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("failed to decode %q: %w", k, err)
		}
		out = append(out, &item)
		return nil
	})
	return out, err
}
