package changeset

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Keychain identifies a derivation role within a wallet. Wallets typically
// run two keychains: an external one for receive addresses, and an internal
// one for change outputs.
type Keychain uint8

const (
	// KeychainExternal is the keychain handing out receive addresses.
	KeychainExternal Keychain = 0

	// KeychainInternal is the keychain handing out change addresses.
	KeychainInternal Keychain = 1
)

// String returns a human readable name for the keychain.
func (k Keychain) String() string {
	switch k {
	case KeychainExternal:
		return "external"
	case KeychainInternal:
		return "internal"
	default:
		return fmt.Sprintf("keychain<%d>", uint8(k))
	}
}

// AnchorID uniquely identifies a block anchor: one transaction confirmed at
// one block position. The same transaction may be anchored to multiple
// blocks across reorgs, so the full triple is the identity.
type AnchorID struct {
	// Height is the height of the anchoring block.
	Height uint32

	// BlockHash is the hash of the anchoring block.
	BlockHash chainhash.Hash

	// TxID is the transaction anchored in the block.
	TxID chainhash.Hash
}

// String returns a compact representation of the anchor, suitable for
// logging and error context.
func (a AnchorID) String() string {
	return fmt.Sprintf("height=%d block=%v txid=%v", a.Height,
		a.BlockHash, a.TxID)
}

// ChangeSet is an additive diff of wallet state. A wallet emits one on
// every mutation (revealing an address, picking up a transaction from the
// chain source, confirming a block), and reconstructs its full state on
// startup by folding every changeset ever persisted.
//
// Changesets merge pointwise: singletons are last-write-wins, monotonic
// fields take the max, and set-valued fields take the union. Merging is
// associative, so applying changesets one at a time is equivalent to
// merging them first and applying the result.
type ChangeSet struct {
	// Network is the chain the wallet operates on, expressed as the
	// network's wire magic. The zero value means the field is unset.
	Network wire.BitcoinNet

	// Descriptors maps each keychain to its output script descriptor.
	Descriptors map[Keychain]string

	// LastRevealed tracks the highest derivation index handed out on
	// each keychain. Indexes only ever grow.
	LastRevealed map[Keychain]uint32

	// Anchors ties confirmed transactions to block positions. The map
	// value is the confirmation time of the anchoring block, or the
	// zero time when unknown. Confirmation times carry the granularity
	// of a block header timestamp: whole seconds. Persisting drops any
	// finer precision.
	Anchors map[AnchorID]time.Time

	// Txs holds full transactions, keyed by txid.
	Txs map[chainhash.Hash]*wire.MsgTx

	// TxOuts holds floating outputs: outputs the wallet cares about
	// without holding the owning transaction's full data, e.g. the
	// previous outputs funding a transaction found during a scan.
	TxOuts map[wire.OutPoint]*wire.TxOut
}

// New returns an empty changeset with all maps allocated.
func New() *ChangeSet {
	return &ChangeSet{
		Descriptors:  make(map[Keychain]string),
		LastRevealed: make(map[Keychain]uint32),
		Anchors:      make(map[AnchorID]time.Time),
		Txs:          make(map[chainhash.Hash]*wire.MsgTx),
		TxOuts:       make(map[wire.OutPoint]*wire.TxOut),
	}
}

// IsEmpty reports whether the changeset carries no data at all. An empty
// changeset is what a fresh store hands back on first load, and persisting
// one is a no-op.
func (c *ChangeSet) IsEmpty() bool {
	return c.Network == 0 &&
		len(c.Descriptors) == 0 &&
		len(c.LastRevealed) == 0 &&
		len(c.Anchors) == 0 &&
		len(c.Txs) == 0 &&
		len(c.TxOuts) == 0
}

// Merge folds other into c, field by field. Singleton fields in other win,
// last-revealed indexes take the max of both sides, and the set-valued
// fields take the union. For an anchor present on both sides, a non-zero
// confirmation time wins over a zero one, and the later time wins when
// both are set.
func (c *ChangeSet) Merge(other *ChangeSet) {
	if other.Network != 0 {
		c.Network = other.Network
	}

	for keychain, desc := range other.Descriptors {
		if c.Descriptors == nil {
			c.Descriptors = make(map[Keychain]string)
		}
		c.Descriptors[keychain] = desc
	}

	for keychain, index := range other.LastRevealed {
		if c.LastRevealed == nil {
			c.LastRevealed = make(map[Keychain]uint32)
		}
		if existing, ok := c.LastRevealed[keychain]; !ok ||
			index > existing {

			c.LastRevealed[keychain] = index
		}
	}

	for id, confTime := range other.Anchors {
		if c.Anchors == nil {
			c.Anchors = make(map[AnchorID]time.Time)
		}
		if existing, ok := c.Anchors[id]; !ok ||
			confTime.After(existing) {

			c.Anchors[id] = confTime
		}
	}

	for txid, tx := range other.Txs {
		if c.Txs == nil {
			c.Txs = make(map[chainhash.Hash]*wire.MsgTx)
		}
		c.Txs[txid] = tx
	}

	for op, txOut := range other.TxOuts {
		if c.TxOuts == nil {
			c.TxOuts = make(map[wire.OutPoint]*wire.TxOut)
		}
		c.TxOuts[op] = txOut
	}
}

// Copy returns a deep copy of the changeset. Transactions and outputs are
// copied as well, so mutating the copy never leaks into the original.
func (c *ChangeSet) Copy() *ChangeSet {
	cp := New()
	cp.Network = c.Network

	for keychain, desc := range c.Descriptors {
		cp.Descriptors[keychain] = desc
	}
	for keychain, index := range c.LastRevealed {
		cp.LastRevealed[keychain] = index
	}
	for id, confTime := range c.Anchors {
		cp.Anchors[id] = confTime
	}
	for txid, tx := range c.Txs {
		cp.Txs[txid] = tx.Copy()
	}
	for op, txOut := range c.TxOuts {
		pkScript := make([]byte, len(txOut.PkScript))
		copy(pkScript, txOut.PkScript)
		cp.TxOuts[op] = wire.NewTxOut(txOut.Value, pkScript)
	}

	return cp
}

// Summary returns a short one-line description of the changeset contents,
// used by debug logging and the dump tool.
func (c *ChangeSet) Summary() string {
	var total btcutil.Amount
	for _, txOut := range c.TxOuts {
		total += btcutil.Amount(txOut.Value)
	}

	return fmt.Sprintf("network=%v descriptors=%d last_revealed=%d "+
		"anchors=%d txs=%d txouts=%d (floating %v)", c.Network,
		len(c.Descriptors), len(c.LastRevealed), len(c.Anchors),
		len(c.Txs), len(c.TxOuts), total)
}
