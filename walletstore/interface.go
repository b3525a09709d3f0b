package walletstore

import "github.com/pingu-73/kvdb-wallet-storage/changeset"

// Persister is the contract a wallet keeps with its storage backend: load
// everything once at startup, then persist each incremental changeset as
// it is produced. Multiple backends can satisfy this contract; this
// package provides the kvdb-backed one.
type Persister interface {
	// Initialize returns the aggregate changeset of everything ever
	// persisted to the backend, or an empty changeset if nothing has
	// been. The wallet folds the result into its in-memory state on
	// startup.
	Initialize() (*changeset.ChangeSet, error)

	// Persist durably applies one incremental changeset. The write is
	// atomic: either the whole changeset is applied, or the backend is
	// left untouched and an error is returned. Persisting content that
	// conflicts with already stored immutable or append-only records
	// must fail rather than overwrite.
	Persist(*changeset.ChangeSet) error
}
