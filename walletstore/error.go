package walletstore

import "errors"

var (
	// ErrUninitializedStore signals that the metadata bucket was not
	// found, meaning the file was never initialized by this package.
	ErrUninitializedStore = errors.New("wallet store has not been " +
		"initialized")

	// ErrNoDBVersion signals that the metadata bucket exists but holds
	// no usable version record.
	ErrNoDBVersion = errors.New("wallet store has no db version")

	// ErrDBReversion signals that the store file was written by a newer
	// schema version than this code understands. Opening it read-write
	// could silently corrupt records, so we refuse.
	ErrDBReversion = errors.New("wallet store version is newer than " +
		"this code understands, cannot revert")

	// ErrNetworkConflict is returned when a persisted changeset carries
	// a network that differs from the one already stored. The network is
	// immutable for the lifetime of the store file.
	ErrNetworkConflict = errors.New("stored network differs from " +
		"changeset network")

	// ErrDescriptorConflict is returned when a persisted changeset
	// carries a descriptor for a keychain that already has a different
	// descriptor stored. Descriptors are immutable once written.
	ErrDescriptorConflict = errors.New("stored descriptor differs from " +
		"changeset descriptor")

	// ErrAnchorConflict is returned when a persisted changeset carries a
	// confirmation time for an anchor that differs from a non-zero time
	// already stored for the same anchor.
	ErrAnchorConflict = errors.New("stored anchor differs from " +
		"changeset anchor")

	// ErrTxConflict is returned when a persisted changeset carries a
	// transaction whose txid is already stored with a different
	// serialization. The transaction set is append-only.
	ErrTxConflict = errors.New("stored transaction differs from " +
		"changeset transaction")

	// ErrTxOutConflict is returned when a persisted changeset carries an
	// output for an outpoint that is already stored with a different
	// value or script.
	ErrTxOutConflict = errors.New("stored output differs from " +
		"changeset output")

	// ErrCorruptRecord is wrapped into any decode failure, together with
	// the bucket and key of the offending record.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrStoreShutdown is returned for requests submitted to an
	// AsyncPersister that has been stopped.
	ErrStoreShutdown = errors.New("wallet store shutting down")
)
