package walletstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/pingu-73/kvdb-wallet-storage/changeset"
)

var (
	// metadataBkt stores the schema version together with the store's
	// set-once fields.
	//
	// maps: dbVersionKey -> schema version (uint32)
	//       networkKey -> network magic (uint32)
	metadataBkt = []byte("metadata")

	// dbVersionKey is the fixed key under which the schema version is
	// stored within the metadata bucket.
	dbVersionKey = []byte("version")

	// networkKey is the fixed key under which the wallet's network magic
	// is stored within the metadata bucket. Written once, immutable
	// afterwards.
	networkKey = []byte("network")

	// descriptorBkt stores the output script descriptor of each
	// keychain. Written once per keychain, immutable afterwards.
	//
	// maps: keychain (1 byte) -> descriptor (var string)
	descriptorBkt = []byte("descriptors")

	// revealedBkt stores the highest derivation index handed out on
	// each keychain. Only ever increases.
	//
	// maps: keychain (1 byte) -> last revealed index (uint32)
	revealedBkt = []byte("last-revealed")

	// anchorBkt stores block anchors. The anchor identity is fully
	// encoded in the key, keyed by height first so that a cursor scan
	// walks anchors in chain order.
	//
	// maps: height (4 bytes) || block hash (32) || txid (32) -> tlv(conf time)
	anchorBkt = []byte("tx-anchors")

	// txBkt stores full transactions. Append-only.
	//
	// maps: txid (32 bytes) -> serialized tx
	txBkt = []byte("transactions")

	// txOutBkt stores floating outputs. Append-only.
	//
	// maps: outpoint (txid || output index, 36 bytes) -> value (8 bytes) || pkscript
	txOutBkt = []byte("tx-outputs")
)

// schemaBuckets is the full set of top level buckets making up the store
// schema. Open creates all of them up front in a single transaction, so
// the rest of the package can treat a missing bucket as corruption.
var schemaBuckets = [][]byte{
	metadataBkt,
	descriptorBkt,
	revealedBkt,
	anchorBkt,
	txBkt,
	txOutBkt,
}

// keychainKey returns the bucket key for a keychain-scoped record.
func keychainKey(keychain changeset.Keychain) []byte {
	return []byte{byte(keychain)}
}

// anchorKey returns the bucket key for an anchor record.
func anchorKey(id changeset.AnchorID) []byte {
	var b bytes.Buffer
	_ = WriteElements(&b, id.Height, id.BlockHash, id.TxID)

	return b.Bytes()
}

// outPointKey returns the bucket key for a floating output record.
func outPointKey(op wire.OutPoint) []byte {
	var b bytes.Buffer
	_ = WriteElement(&b, op)

	return b.Bytes()
}

// corruptRecordErr annotates a decode failure with the bucket and key of
// the record that failed, wrapping ErrCorruptRecord so callers can match
// the whole class with errors.Is.
func corruptRecordErr(bucket, key []byte, err error) error {
	return fmt.Errorf("bucket %s, key %x: %w: %v", bucket, key,
		ErrCorruptRecord, err)
}

// putChangeSet applies a changeset to the store within the given write
// transaction. Each populated field maps to upserts on its bucket, with
// the conflict rules enforced per record kind: set-once fields are first
// write wins, the last revealed index merges by max, and the set-valued
// buckets are append-only. A conflicting re-write fails the transaction,
// leaving the store untouched.
func putChangeSet(tx kvdb.RwTx, cs *changeset.ChangeSet) error {
	if err := putNetwork(tx, cs.Network); err != nil {
		return err
	}

	if err := putDescriptors(tx, cs.Descriptors); err != nil {
		return err
	}

	if err := putLastRevealed(tx, cs.LastRevealed); err != nil {
		return err
	}

	if err := putAnchors(tx, cs.Anchors); err != nil {
		return err
	}

	if err := putTxs(tx, cs.Txs); err != nil {
		return err
	}

	return putTxOuts(tx, cs.TxOuts)
}

// putNetwork stores the network magic on first write. A second write with
// the same network is a no-op, a differing one is a conflict.
func putNetwork(tx kvdb.RwTx, network wire.BitcoinNet) error {
	if network == 0 {
		return nil
	}

	meta := tx.ReadWriteBucket(metadataBkt)
	if meta == nil {
		return ErrUninitializedStore
	}

	if existing := meta.Get(networkKey); existing != nil {
		var stored wire.BitcoinNet
		err := ReadElement(bytes.NewReader(existing), &stored)
		if err != nil {
			return corruptRecordErr(metadataBkt, networkKey, err)
		}

		if stored != network {
			return fmt.Errorf("bucket %s, key %s: %w: have %v, "+
				"got %v", metadataBkt, networkKey,
				ErrNetworkConflict, stored, network)
		}

		return nil
	}

	var b bytes.Buffer
	if err := WriteElement(&b, network); err != nil {
		return err
	}

	return meta.Put(networkKey, b.Bytes())
}

// putDescriptors stores each keychain's descriptor on first write,
// rejecting any attempt to change one that is already stored.
func putDescriptors(tx kvdb.RwTx,
	descriptors map[changeset.Keychain]string) error {

	if len(descriptors) == 0 {
		return nil
	}

	bucket := tx.ReadWriteBucket(descriptorBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	for keychain, desc := range descriptors {
		key := keychainKey(keychain)

		if existing := bucket.Get(key); existing != nil {
			var stored string
			err := ReadElement(bytes.NewReader(existing), &stored)
			if err != nil {
				return corruptRecordErr(
					descriptorBkt, key, err,
				)
			}

			if stored != desc {
				return fmt.Errorf("bucket %s, key %x "+
					"(%v keychain): %w", descriptorBkt,
					key, keychain, ErrDescriptorConflict)
			}

			continue
		}

		var b bytes.Buffer
		if err := WriteElement(&b, desc); err != nil {
			return err
		}

		if err := bucket.Put(key, b.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// putLastRevealed merges the incoming derivation indexes with the stored
// ones, keeping the max per keychain. Persisting a stale index is legal
// and leaves the stored value alone.
func putLastRevealed(tx kvdb.RwTx,
	lastRevealed map[changeset.Keychain]uint32) error {

	if len(lastRevealed) == 0 {
		return nil
	}

	bucket := tx.ReadWriteBucket(revealedBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	for keychain, index := range lastRevealed {
		key := keychainKey(keychain)

		if existing := bucket.Get(key); existing != nil {
			var stored uint32
			err := ReadElement(bytes.NewReader(existing), &stored)
			if err != nil {
				return corruptRecordErr(revealedBkt, key, err)
			}

			if stored >= index {
				continue
			}
		}

		var b bytes.Buffer
		if err := WriteElement(&b, index); err != nil {
			return err
		}

		if err := bucket.Put(key, b.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// putAnchors upserts block anchors. An anchor whose stored confirmation
// time is unknown may be refined to a known one; two differing known times
// for the same anchor conflict. Confirmation times are truncated to second
// granularity before they are compared or stored, matching what the value
// encoding can represent, so re-persisting a sub-second time is recognized
// as identical content.
func putAnchors(tx kvdb.RwTx,
	anchors map[changeset.AnchorID]time.Time) error {

	if len(anchors) == 0 {
		return nil
	}

	bucket := tx.ReadWriteBucket(anchorBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	for id, confTime := range anchors {
		key := anchorKey(id)
		confTime = confTime.Truncate(time.Second)

		if existing := bucket.Get(key); existing != nil {
			stored, err := deserializeAnchor(
				bytes.NewReader(existing),
			)
			if err != nil {
				return corruptRecordErr(anchorBkt, key, err)
			}

			switch {
			// Identical content, nothing to do.
			case stored.Equal(confTime):
				continue

			// The stored time is already known and the incoming
			// record carries none. Keep the known time.
			case confTime.IsZero():
				continue

			// Two differing known times for the same anchor.
			case !stored.IsZero():
				return fmt.Errorf("bucket %s, key %x (%v): "+
					"%w: have %v, got %v", anchorBkt, key,
					id, ErrAnchorConflict, stored,
					confTime)
			}
		}

		var b bytes.Buffer
		if err := serializeAnchor(&b, confTime); err != nil {
			return err
		}

		if err := bucket.Put(key, b.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// putTxs appends full transactions. Re-writing a stored txid with an
// identical serialization is a no-op; a differing serialization under the
// same txid means the caller's view of the chain diverged from ours, and
// fails the transaction.
func putTxs(tx kvdb.RwTx, txs map[chainhash.Hash]*wire.MsgTx) error {
	if len(txs) == 0 {
		return nil
	}

	bucket := tx.ReadWriteBucket(txBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	for txid, msgTx := range txs {
		var b bytes.Buffer
		if err := msgTx.Serialize(&b); err != nil {
			return err
		}

		if existing := bucket.Get(txid[:]); existing != nil {
			if bytes.Equal(existing, b.Bytes()) {
				continue
			}

			return fmt.Errorf("bucket %s, key %v: %w", txBkt,
				txid, ErrTxConflict)
		}

		if err := bucket.Put(txid[:], b.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// putTxOuts appends floating outputs, with the same append-only contract
// as putTxs.
func putTxOuts(tx kvdb.RwTx, txOuts map[wire.OutPoint]*wire.TxOut) error {
	if len(txOuts) == 0 {
		return nil
	}

	bucket := tx.ReadWriteBucket(txOutBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	for op, txOut := range txOuts {
		key := outPointKey(op)

		var b bytes.Buffer
		if err := WriteElement(&b, txOut); err != nil {
			return err
		}

		if existing := bucket.Get(key); existing != nil {
			if bytes.Equal(existing, b.Bytes()) {
				continue
			}

			return fmt.Errorf("bucket %s, key %x (%v): %w",
				txOutBkt, key, op, ErrTxOutConflict)
		}

		if err := bucket.Put(key, b.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// fetchChangeSet scans every bucket and folds all records into one
// aggregate changeset. A store that was created but never persisted to
// yields an empty changeset, which is the canonical "no wallet yet"
// signal.
func fetchChangeSet(tx kvdb.RTx) (*changeset.ChangeSet, error) {
	cs := changeset.New()

	meta := tx.ReadBucket(metadataBkt)
	if meta == nil {
		return nil, ErrUninitializedStore
	}

	if rawNet := meta.Get(networkKey); rawNet != nil {
		err := ReadElement(bytes.NewReader(rawNet), &cs.Network)
		if err != nil {
			return nil, corruptRecordErr(
				metadataBkt, networkKey, err,
			)
		}
	}

	if err := fetchDescriptors(tx, cs); err != nil {
		return nil, err
	}

	if err := fetchLastRevealed(tx, cs); err != nil {
		return nil, err
	}

	if err := fetchAnchors(tx, cs); err != nil {
		return nil, err
	}

	if err := fetchTxs(tx, cs); err != nil {
		return nil, err
	}

	if err := fetchTxOuts(tx, cs); err != nil {
		return nil, err
	}

	return cs, nil
}

func fetchDescriptors(tx kvdb.RTx, cs *changeset.ChangeSet) error {
	bucket := tx.ReadBucket(descriptorBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	return bucket.ForEach(func(k, v []byte) error {
		if len(k) != 1 {
			return corruptRecordErr(descriptorBkt, k,
				fmt.Errorf("invalid keychain key length %d",
					len(k)))
		}

		var desc string
		if err := ReadElement(bytes.NewReader(v), &desc); err != nil {
			return corruptRecordErr(descriptorBkt, k, err)
		}

		cs.Descriptors[changeset.Keychain(k[0])] = desc

		return nil
	})
}

func fetchLastRevealed(tx kvdb.RTx, cs *changeset.ChangeSet) error {
	bucket := tx.ReadBucket(revealedBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	return bucket.ForEach(func(k, v []byte) error {
		if len(k) != 1 {
			return corruptRecordErr(revealedBkt, k,
				fmt.Errorf("invalid keychain key length %d",
					len(k)))
		}

		var index uint32
		if err := ReadElement(bytes.NewReader(v), &index); err != nil {
			return corruptRecordErr(revealedBkt, k, err)
		}

		cs.LastRevealed[changeset.Keychain(k[0])] = index

		return nil
	})
}

func fetchAnchors(tx kvdb.RTx, cs *changeset.ChangeSet) error {
	bucket := tx.ReadBucket(anchorBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	return bucket.ForEach(func(k, v []byte) error {
		var id changeset.AnchorID
		err := ReadElements(
			bytes.NewReader(k), &id.Height, &id.BlockHash,
			&id.TxID,
		)
		if err != nil {
			return corruptRecordErr(anchorBkt, k, err)
		}

		confTime, err := deserializeAnchor(bytes.NewReader(v))
		if err != nil {
			return corruptRecordErr(anchorBkt, k, err)
		}

		cs.Anchors[id] = confTime

		return nil
	})
}

func fetchTxs(tx kvdb.RTx, cs *changeset.ChangeSet) error {
	bucket := tx.ReadBucket(txBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	return bucket.ForEach(func(k, v []byte) error {
		txid, err := chainhash.NewHash(k)
		if err != nil {
			return corruptRecordErr(txBkt, k, err)
		}

		msgTx := &wire.MsgTx{}
		if err := msgTx.Deserialize(bytes.NewReader(v)); err != nil {
			return corruptRecordErr(txBkt, k, err)
		}

		cs.Txs[*txid] = msgTx

		return nil
	})
}

func fetchTxOuts(tx kvdb.RTx, cs *changeset.ChangeSet) error {
	bucket := tx.ReadBucket(txOutBkt)
	if bucket == nil {
		return ErrUninitializedStore
	}

	return bucket.ForEach(func(k, v []byte) error {
		var op wire.OutPoint
		if err := ReadElement(bytes.NewReader(k), &op); err != nil {
			return corruptRecordErr(txOutBkt, k, err)
		}

		txOut := &wire.TxOut{}
		if err := ReadElement(bytes.NewReader(v), txOut); err != nil {
			return corruptRecordErr(txOutBkt, k, err)
		}

		cs.TxOuts[op] = txOut

		return nil
	})
}
