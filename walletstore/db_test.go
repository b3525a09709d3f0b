package walletstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/pingu-73/kvdb-wallet-storage/changeset"
	"github.com/stretchr/testify/require"
)

const (
	testDescExternal = "wpkh(tprv8ZgxMBicQKsPdcAqYBpzAFwU5yxBUo88ggoBqu1q" +
		"PcHUfSbKK1sKMLmC7EAk438btHQrSdu3jGGQa6PA71nvH5nkDexhLteJqkM4" +
		"dQmWF9g/84'/1'/0'/0/*)"
	testDescInternal = "wpkh(tprv8ZgxMBicQKsPdcAqYBpzAFwU5yxBUo88ggoBqu1q" +
		"PcHUfSbKK1sKMLmC7EAk438btHQrSdu3jGGQa6PA71nvH5nkDexhLteJqkM4" +
		"dQmWF9g/84'/1'/0'/1/*)"
)

// newTestStore opens a fresh store in a temp dir and tears it down with
// the test.
func newTestStore(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// testTx returns a minimal transaction whose contents vary with the seed.
func testTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{seed},
			Index: uint32(seed),
		},
		SignatureScript: []byte{seed},
	})
	tx.AddTxOut(wire.NewTxOut(int64(seed)*1000, []byte{0x51}))

	return tx
}

// testChangeSet builds a changeset populating every field.
func testChangeSet(t *testing.T) *changeset.ChangeSet {
	t.Helper()

	tx := testTx(7)

	cs := changeset.New()
	cs.Network = wire.TestNet3
	cs.Descriptors[changeset.KeychainExternal] = testDescExternal
	cs.Descriptors[changeset.KeychainInternal] = testDescInternal
	cs.LastRevealed[changeset.KeychainExternal] = 3
	cs.LastRevealed[changeset.KeychainInternal] = 1
	cs.Anchors[changeset.AnchorID{
		Height:    120000,
		BlockHash: chainhash.Hash{0xaa},
		TxID:      tx.TxHash(),
	}] = time.Unix(1700000000, 0)
	cs.Txs[tx.TxHash()] = tx
	cs.TxOuts[wire.OutPoint{Hash: chainhash.Hash{0xbb}, Index: 2}] =
		wire.NewTxOut(12345, []byte{0x00, 0x14, 0x01, 0x02})

	return cs
}

// TestFreshStore asserts the fresh-store contract: open_or_create on a
// nonexistent path followed by a load yields an empty changeset with no
// error.
func TestFreshStore(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	cs, err := db.Initialize()
	require.NoError(t, err)
	require.True(t, cs.IsEmpty())
}

// TestRoundTrip asserts that a persisted changeset is reassembled
// field-for-field equal on load.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	cs := testChangeSet(t)

	require.NoError(t, db.Persist(cs))

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, cs, loaded)
}

// TestPersistIdempotent asserts that persisting identical content twice
// is accepted and yields the same store content as persisting it once.
func TestPersistIdempotent(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	cs := testChangeSet(t)

	require.NoError(t, db.Persist(cs))
	require.NoError(t, db.Persist(cs))

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, cs, loaded)

	counts, err := db.RecordCounts()
	require.NoError(t, err)
	require.Equal(t, 1, counts[string(txBkt)])
	require.Equal(t, 1, counts[string(anchorBkt)])
	require.Equal(t, 1, counts[string(txOutBkt)])
}

// TestPersistEmpty asserts that persisting an empty changeset is a no-op.
func TestPersistEmpty(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	require.NoError(t, db.Persist(changeset.New()))
	require.NoError(t, db.Persist(nil))

	cs, err := db.Initialize()
	require.NoError(t, err)
	require.True(t, cs.IsEmpty())
}

// TestLastRevealedMonotone asserts that persisting a stale derivation
// index leaves the stored one alone.
func TestLastRevealedMonotone(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	cs := changeset.New()
	cs.LastRevealed[changeset.KeychainExternal] = 5
	require.NoError(t, db.Persist(cs))

	stale := changeset.New()
	stale.LastRevealed[changeset.KeychainExternal] = 3
	require.NoError(t, db.Persist(stale))

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(
		t, uint32(5), loaded.LastRevealed[changeset.KeychainExternal],
	)

	newer := changeset.New()
	newer.LastRevealed[changeset.KeychainExternal] = 8
	require.NoError(t, db.Persist(newer))

	loaded, err = db.Initialize()
	require.NoError(t, err)
	require.Equal(
		t, uint32(8), loaded.LastRevealed[changeset.KeychainExternal],
	)
}

// TestNetworkImmutable asserts that the stored network can never be
// changed, and that the failed attempt leaves the original value.
func TestNetworkImmutable(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	cs := changeset.New()
	cs.Network = wire.TestNet3
	require.NoError(t, db.Persist(cs))

	// Re-persisting the same network is fine.
	require.NoError(t, db.Persist(cs))

	conflicting := changeset.New()
	conflicting.Network = wire.MainNet
	err := db.Persist(conflicting)
	require.ErrorIs(t, err, ErrNetworkConflict)

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, wire.TestNet3, loaded.Network)
}

// TestDescriptorImmutable asserts the same first-write-wins contract for
// keychain descriptors.
func TestDescriptorImmutable(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	cs := changeset.New()
	cs.Descriptors[changeset.KeychainExternal] = testDescExternal
	require.NoError(t, db.Persist(cs))
	require.NoError(t, db.Persist(cs))

	conflicting := changeset.New()
	conflicting.Descriptors[changeset.KeychainExternal] = testDescInternal
	err := db.Persist(conflicting)
	require.ErrorIs(t, err, ErrDescriptorConflict)

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(
		t, testDescExternal,
		loaded.Descriptors[changeset.KeychainExternal],
	)
}

// TestTxAppendOnly asserts that a stored transaction can never be replaced
// by different bytes under the same txid.
func TestTxAppendOnly(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	tx := testTx(1)
	txid := tx.TxHash()

	cs := changeset.New()
	cs.Txs[txid] = tx
	require.NoError(t, db.Persist(cs))
	require.NoError(t, db.Persist(cs))

	conflicting := changeset.New()
	conflicting.Txs[txid] = testTx(2)
	err := db.Persist(conflicting)
	require.ErrorIs(t, err, ErrTxConflict)

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, tx, loaded.Txs[txid])
}

// TestTxOutAppendOnly asserts the same contract for floating outputs.
func TestTxOutAppendOnly(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	op := wire.OutPoint{Hash: chainhash.Hash{3}, Index: 1}

	cs := changeset.New()
	cs.TxOuts[op] = wire.NewTxOut(1000, []byte{0x51})
	require.NoError(t, db.Persist(cs))
	require.NoError(t, db.Persist(cs))

	conflicting := changeset.New()
	conflicting.TxOuts[op] = wire.NewTxOut(2000, []byte{0x51})
	require.ErrorIs(t, db.Persist(conflicting), ErrTxOutConflict)
}

// TestAnchorConfTimeRefinement asserts that an anchor's unknown
// confirmation time may be refined to a known one, but two differing known
// times conflict.
func TestAnchorConfTimeRefinement(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	id := changeset.AnchorID{
		Height:    0,
		BlockHash: chainhash.Hash{4},
		TxID:      chainhash.Hash{5},
	}

	// First write with unknown conf time.
	cs := changeset.New()
	cs.Anchors[id] = time.Time{}
	require.NoError(t, db.Persist(cs))

	// Refine to a known time.
	known := changeset.New()
	known.Anchors[id] = time.Unix(1700000000, 0)
	require.NoError(t, db.Persist(known))

	// Downgrading back to unknown is a no-op.
	require.NoError(t, db.Persist(cs))

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, time.Unix(1700000000, 0), loaded.Anchors[id])

	// A differing known time conflicts.
	conflicting := changeset.New()
	conflicting.Anchors[id] = time.Unix(1800000000, 0)
	require.ErrorIs(t, db.Persist(conflicting), ErrAnchorConflict)
}

// TestAnchorTimeSecondGranularity asserts that a sub-second confirmation
// time is persisted at second granularity, and that re-persisting the
// identical changeset is still recognized as identical content rather than
// a conflict.
func TestAnchorTimeSecondGranularity(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	id := changeset.AnchorID{
		Height:    100,
		BlockHash: chainhash.Hash{6},
		TxID:      chainhash.Hash{7},
	}

	cs := changeset.New()
	cs.Anchors[id] = time.Unix(1700000000, 500_000_000)

	require.NoError(t, db.Persist(cs))
	require.NoError(t, db.Persist(cs))

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.True(t, loaded.Anchors[id].Equal(time.Unix(1700000000, 0)))

	// The same instant expressed without sub-second precision is also
	// identical content.
	truncated := changeset.New()
	truncated.Anchors[id] = time.Unix(1700000000, 0)
	require.NoError(t, db.Persist(truncated))

	// A different second still conflicts.
	conflicting := changeset.New()
	conflicting.Anchors[id] = time.Unix(1700000001, 0)
	require.ErrorIs(t, db.Persist(conflicting), ErrAnchorConflict)
}

// TestPersistAtomicity asserts that a failed persist leaves the store in
// its exact pre-call state, even for the records of the failed changeset
// that were applied before the conflict was hit.
func TestPersistAtomicity(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	tx := testTx(1)
	txid := tx.TxHash()

	cs := changeset.New()
	cs.Txs[txid] = tx
	require.NoError(t, db.Persist(cs))

	// The network is applied before the transaction set within a persist
	// transaction, so by the time the tx conflict aborts the write, the
	// network record has already been put. The abort must roll it back.
	partial := changeset.New()
	partial.Network = wire.TestNet3
	partial.Txs[txid] = testTx(2)
	require.ErrorIs(t, db.Persist(partial), ErrTxConflict)

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, wire.BitcoinNet(0), loaded.Network)
	require.Equal(t, cs, loaded)
}

// TestReopen covers the concrete startup scenario: persist descriptors,
// network and a first derivation index, close, reopen, and load.
func TestReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wallet.db")

	db, err := Open(path)
	require.NoError(t, err)

	cs := changeset.New()
	cs.Network = wire.TestNet3
	cs.Descriptors[changeset.KeychainExternal] = testDescExternal
	cs.Descriptors[changeset.KeychainInternal] = testDescInternal
	cs.LastRevealed[changeset.KeychainExternal] = 0

	require.NoError(t, db.Persist(cs))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, cs, loaded)
	require.Empty(t, loaded.Anchors)
	require.Empty(t, loaded.Txs)
	require.Empty(t, loaded.TxOuts)
}

// TestSequentialPersists asserts that two sequential persists both apply,
// with later monotonic fields winning, and that a load observes their
// merge.
func TestSequentialPersists(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)

	first := changeset.New()
	first.Network = wire.TestNet3
	first.LastRevealed[changeset.KeychainExternal] = 2
	first.Txs[testTx(1).TxHash()] = testTx(1)
	require.NoError(t, db.Persist(first))

	second := changeset.New()
	second.LastRevealed[changeset.KeychainExternal] = 6
	second.Txs[testTx(2).TxHash()] = testTx(2)
	require.NoError(t, db.Persist(second))

	expected := first.Copy()
	expected.Merge(second)

	loaded, err := db.Initialize()
	require.NoError(t, err)
	require.Equal(t, expected, loaded)
}

// TestReadOnlyOpen asserts that a read-only open can load but that an
// uninitialized file cannot be opened read-only.
func TestReadOnlyOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wallet.db")

	db, err := Open(path)
	require.NoError(t, err)

	cs := changeset.New()
	cs.Network = wire.TestNet3
	require.NoError(t, db.Persist(cs))
	require.NoError(t, db.Close())

	roDB, err := Open(path, OptionReadOnly())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, roDB.Close())
	})

	loaded, err := roDB.Initialize()
	require.NoError(t, err)
	require.Equal(t, wire.TestNet3, loaded.Network)

	// A file that was never initialized cannot be opened read-only.
	_, err = Open(
		filepath.Join(t.TempDir(), "missing.db"), OptionReadOnly(),
	)
	require.Error(t, err)
}

// TestVersionReversion asserts that a store stamped with a future schema
// version refuses to open.
func TestVersionReversion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wallet.db")

	db, err := Open(path)
	require.NoError(t, err)

	// Stamp a version from the future.
	err = kvdb.Update(db.backend, func(tx kvdb.RwTx) error {
		return putDBVersion(tx, getLatestDBVersion(dbVersions)+1)
	}, func() {})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrDBReversion)
}

// TestRecordCounts sanity checks the per-bucket diagnostics.
func TestRecordCounts(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	require.NoError(t, db.Persist(testChangeSet(t)))

	counts, err := db.RecordCounts()
	require.NoError(t, err)

	// Version plus network.
	require.Equal(t, 2, counts[string(metadataBkt)])
	require.Equal(t, 2, counts[string(descriptorBkt)])
	require.Equal(t, 2, counts[string(revealedBkt)])
	require.Equal(t, 1, counts[string(anchorBkt)])
	require.Equal(t, 1, counts[string(txBkt)])
	require.Equal(t, 1, counts[string(txOutBkt)])
}
