package walletstore

import (
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

// Options holds parameters for tuning and customizing how a wallet store
// is opened.
type Options struct {
	// NoFreelistSync, when true, prevents the database from syncing its
	// freelist to disk, trading durability of that structure for faster
	// writes. The freelist is reconstructed on the next open.
	NoFreelistSync bool

	// AutoCompact specifies if a bolt database should be compacted on
	// startup, if the minimum age of the database file has been reached.
	AutoCompact bool

	// AutoCompactMinAge specifies the minimum time that must have passed
	// since a bolt database file was last compacted for the compaction to
	// be considered again.
	AutoCompactMinAge time.Duration

	// DBTimeout specifies the timeout value used when opening the wallet
	// database, in case the file is held by another process.
	DBTimeout time.Duration

	// ReadOnly opens the store without write access, skipping bucket
	// creation and version stamping. Opening a file that was never
	// initialized fails in this mode.
	ReadOnly bool
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		NoFreelistSync:    true,
		AutoCompact:       false,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         kvdb.DefaultDBTimeout,
	}
}

// OptionModifier is a function signature for modifying the default
// Options.
type OptionModifier func(*Options)

// OptionSetSyncFreelist allows the database to sync its freelist.
func OptionSetSyncFreelist(b bool) OptionModifier {
	return func(o *Options) {
		o.NoFreelistSync = !b
	}
}

// OptionAutoCompact turns on automatic database compaction on startup.
func OptionAutoCompact() OptionModifier {
	return func(o *Options) {
		o.AutoCompact = true
	}
}

// OptionAutoCompactMinAge sets the minimum age for automatic database
// compaction.
func OptionAutoCompactMinAge(minAge time.Duration) OptionModifier {
	return func(o *Options) {
		o.AutoCompactMinAge = minAge
	}
}

// OptionSetDBTimeout sets the timeout value used when opening the wallet
// database.
func OptionSetDBTimeout(timeout time.Duration) OptionModifier {
	return func(o *Options) {
		o.DBTimeout = timeout
	}
}

// OptionReadOnly opens the store without write access.
func OptionReadOnly() OptionModifier {
	return func(o *Options) {
		o.ReadOnly = true
	}
}
