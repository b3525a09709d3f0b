package walletstore

import (
	"bytes"
	"errors"

	"github.com/lightningnetwork/lnd/kvdb"
)

// migration is a function which takes a prior outdated version of the
// store and mutates the key/bucket structure to arrive at a more
// up-to-date version.
type migration func(tx kvdb.RwTx) error

// version pairs a version number with the migration that would need to be
// applied from the prior version to upgrade.
type version struct {
	migration migration
}

// dbVersions stores all versions and migrations of the wallet store. This
// list is consulted on every open to determine whether migrations must be
// applied. The base version requires none.
var dbVersions = []version{
	{migration: nil},
}

// getLatestDBVersion returns the last known schema version.
func getLatestDBVersion(versions []version) uint32 {
	return uint32(len(versions))
}

// fetchDBVersion retrieves the current schema version from the metadata
// bucket.
func fetchDBVersion(tx kvdb.RTx) (uint32, error) {
	metadata := tx.ReadBucket(metadataBkt)
	if metadata == nil {
		return 0, ErrUninitializedStore
	}

	versionBytes := metadata.Get(dbVersionKey)
	if versionBytes == nil {
		return 0, ErrNoDBVersion
	}

	var dbVersion uint32
	err := ReadElement(bytes.NewReader(versionBytes), &dbVersion)
	if err != nil {
		return 0, corruptRecordErr(metadataBkt, dbVersionKey, err)
	}

	return dbVersion, nil
}

// putDBVersion stores the passed schema version in the metadata bucket.
func putDBVersion(tx kvdb.RwTx, dbVersion uint32) error {
	metadata := tx.ReadWriteBucket(metadataBkt)
	if metadata == nil {
		return ErrUninitializedStore
	}

	var b bytes.Buffer
	if err := WriteElement(&b, dbVersion); err != nil {
		return err
	}

	return metadata.Put(dbVersionKey, b.Bytes())
}

// syncVersions ensures the stored schema version is consistent with the
// highest version known to this code, applying any missing migrations in
// order. A brand new store is stamped with the latest version directly. A
// store written by a newer version than we know fails with ErrDBReversion
// to prevent accidental corruption.
func syncVersions(tx kvdb.RwTx, versions []version) error {
	latestVersion := getLatestDBVersion(versions)

	curVersion, err := fetchDBVersion(tx)
	switch {
	// Fresh store, stamp the latest version and we're done.
	case errors.Is(err, ErrNoDBVersion):
		return putDBVersion(tx, latestVersion)

	case err != nil:
		return err
	}

	switch {
	case curVersion > latestVersion:
		return ErrDBReversion

	case curVersion == latestVersion:
		return nil
	}

	for i := curVersion; i < latestVersion; i++ {
		update := versions[i]
		if update.migration == nil {
			continue
		}

		log.Infof("Applying wallet store migration #%d", i+1)

		if err := update.migration(tx); err != nil {
			log.Errorf("Unable to apply migration #%d: %v", i+1,
				err)
			return err
		}
	}

	return putDBVersion(tx, latestVersion)
}
