package walletstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/pingu-73/kvdb-wallet-storage/changeset"
)

// DB is the wallet changeset store. It owns the backing database file and
// maps each persisted changeset onto the bucket schema, reassembling the
// aggregate changeset on load. One DB instance must have exclusive write
// ownership of its file for the lifetime of the process.
type DB struct {
	backend kvdb.Backend
	path    string
}

// A compile-time assertion to ensure DB satisfies the Persister contract.
var _ Persister = (*DB)(nil)

// Open opens the wallet store at the given file path, creating a fresh
// store if no file exists yet. All schema buckets are created up front in
// a single atomic transaction, and the schema version is initialized or
// synced before the store is handed to the caller.
func Open(path string, modifiers ...OptionModifier) (*DB, error) {
	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	dbDir := filepath.Dir(path)
	if !opts.ReadOnly {
		if err := os.MkdirAll(dbDir, 0700); err != nil {
			return nil, err
		}
	}

	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbDir,
		DBFileName:        filepath.Base(path),
		NoFreelistSync:    opts.NoFreelistSync,
		AutoCompact:       opts.AutoCompact,
		AutoCompactMinAge: opts.AutoCompactMinAge,
		DBTimeout:         opts.DBTimeout,
		ReadOnly:          opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open wallet store at %s: "+
			"%w", path, err)
	}

	db := &DB{
		backend: backend,
		path:    path,
	}

	if err := db.initSchema(opts.ReadOnly); err != nil {
		backend.Close()
		return nil, err
	}

	return db, nil
}

// initSchema creates all schema buckets and brings the stored schema
// version in sync with the version this code writes. In read-only mode the
// schema is only verified, never mutated.
func (d *DB) initSchema(readOnly bool) error {
	if readOnly {
		return kvdb.View(d.backend, func(tx kvdb.RTx) error {
			version, err := fetchDBVersion(tx)
			if err != nil {
				return err
			}

			if version > getLatestDBVersion(dbVersions) {
				return ErrDBReversion
			}

			return nil
		}, func() {})
	}

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		for _, bucket := range schemaBuckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return fmt.Errorf("unable to create bucket "+
					"%s: %w", bucket, err)
			}
		}

		return syncVersions(tx, dbVersions)
	}, func() {})
}

// Path returns the file path the store was opened with.
func (d *DB) Path() string {
	return d.path
}

// Close shuts down the backing database. The DB must not be used
// afterwards.
func (d *DB) Close() error {
	return d.backend.Close()
}

// Initialize loads the aggregate changeset from the store in one read
// transaction. A store that has never been persisted to yields an empty
// changeset, which is the caller's signal to create a new wallet rather
// than load an existing one.
func (d *DB) Initialize() (*changeset.ChangeSet, error) {
	var cs *changeset.ChangeSet
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		var err error
		cs, err = fetchChangeSet(tx)

		return err
	}, func() {
		cs = nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Loaded changeset from %s: %v", d.path,
		newLogClosure(cs.Summary))

	return cs, nil
}

// Persist applies the changeset to the store in one write transaction.
// The write is atomic: on any error, including a conflict with already
// stored records, the store is left exactly as it was before the call.
// Persisting an empty changeset never touches the file.
func (d *DB) Persist(cs *changeset.ChangeSet) error {
	if cs == nil || cs.IsEmpty() {
		return nil
	}

	log.Tracef("Persisting changeset: %v", newLogClosure(func() string {
		return spew.Sdump(cs)
	}))

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		return putChangeSet(tx, cs)
	}, func() {})
}

// RecordCounts returns the number of records stored per schema bucket,
// keyed by bucket name. Purely diagnostic.
func (d *DB) RecordCounts() (map[string]int, error) {
	counts := make(map[string]int, len(schemaBuckets))

	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		for _, bucketName := range schemaBuckets {
			bucket := tx.ReadBucket(bucketName)
			if bucket == nil {
				return ErrUninitializedStore
			}

			var n int
			err := bucket.ForEach(func(_, _ []byte) error {
				n++
				return nil
			})
			if err != nil {
				return err
			}

			counts[string(bucketName)] = n
		}

		return nil
	}, func() {
		counts = make(map[string]int, len(schemaBuckets))
	})
	if err != nil {
		return nil, err
	}

	return counts, nil
}
