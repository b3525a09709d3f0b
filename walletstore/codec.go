package walletstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/pingu-73/kvdb-wallet-storage/changeset"
)

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

const (
	// maxPkScriptSize caps the size of a stored output script. Scripts
	// above the consensus maximum cannot appear in valid transactions.
	maxPkScriptSize = 10000

	// anchorConfTimeType is the tlv type holding an anchor's
	// confirmation time as unix seconds. Anchor values are a tlv stream
	// so that later schema versions can attach fields to an anchor
	// without re-keying the bucket.
	anchorConfTimeType tlv.Type = 0
)

// UnknownElementType is an error returned when the codec is asked to
// encode or decode an unsupported element type.
type UnknownElementType struct {
	method  string
	element interface{}
}

// Error returns the name of the method that encountered the error, as well
// as the type that was unsupported.
func (e UnknownElementType) Error() string {
	return fmt.Sprintf("unknown type in %s: %T", e.method, e.element)
}

// WriteElement serializes a single element into the provided io.Writer.
func WriteElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case changeset.Keychain:
		if _, err := w.Write([]byte{byte(e)}); err != nil {
			return err
		}

	case uint32:
		var scratch [4]byte
		byteOrder.PutUint32(scratch[:], e)
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	case uint64:
		var scratch [8]byte
		byteOrder.PutUint64(scratch[:], e)
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}

	case wire.BitcoinNet:
		return WriteElement(w, uint32(e))

	case chainhash.Hash:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case wire.OutPoint:
		if err := WriteElement(w, e.Hash); err != nil {
			return err
		}

		return WriteElement(w, e.Index)

	case *wire.TxOut:
		if err := WriteElement(w, uint64(e.Value)); err != nil {
			return err
		}

		return wire.WriteVarBytes(w, 0, e.PkScript)

	case *wire.MsgTx:
		return e.Serialize(w)

	case string:
		return wire.WriteVarString(w, 0, e)

	default:
		return UnknownElementType{"WriteElement", element}
	}

	return nil
}

// WriteElements serializes a variadic list of elements into the given
// io.Writer.
func WriteElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := WriteElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

// ReadElement deserializes a single element from the provided io.Reader.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *changeset.Keychain:
		var scratch [1]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = changeset.Keychain(scratch[0])

	case *uint32:
		var scratch [4]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint32(scratch[:])

	case *uint64:
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint64(scratch[:])

	case *wire.BitcoinNet:
		var magic uint32
		if err := ReadElement(r, &magic); err != nil {
			return err
		}
		*e = wire.BitcoinNet(magic)

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *wire.OutPoint:
		if err := ReadElement(r, &e.Hash); err != nil {
			return err
		}

		return ReadElement(r, &e.Index)

	case *wire.TxOut:
		var value uint64
		if err := ReadElement(r, &value); err != nil {
			return err
		}
		e.Value = int64(value)

		pkScript, err := wire.ReadVarBytes(
			r, 0, maxPkScriptSize, "pkscript",
		)
		if err != nil {
			return err
		}
		e.PkScript = pkScript

	case *wire.MsgTx:
		return e.Deserialize(r)

	case *string:
		s, err := wire.ReadVarString(r, 0)
		if err != nil {
			return err
		}
		*e = s

	default:
		return UnknownElementType{"ReadElement", element}
	}

	return nil
}

// ReadElements deserializes the provided io.Reader into a variadic list of
// target elements.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := ReadElement(r, element); err != nil {
			return err
		}
	}

	return nil
}

// serializeAnchor writes an anchor's value record. Only the confirmation
// time lives in the value today; the anchor identity is fully encoded in
// the bucket key. Times are stored as whole unix seconds, the granularity
// of a block header timestamp.
func serializeAnchor(w io.Writer, confTime time.Time) error {
	// Store unix seconds, with zero meaning the confirmation time is
	// unknown. A known time at or before the epoch cannot be represented
	// and no valid block carries one, so reject it rather than store an
	// ambiguous zero.
	var unixSecs uint64
	if !confTime.IsZero() {
		secs := confTime.Unix()
		if secs <= 0 {
			return fmt.Errorf("confirmation time %v not after "+
				"the unix epoch", confTime)
		}

		unixSecs = uint64(secs)
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(anchorConfTimeType, &unixSecs),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeAnchor reads an anchor's value record. Unknown tlv types are
// ignored, so values written by a future schema still decode.
func deserializeAnchor(r io.Reader) (time.Time, error) {
	var unixSecs uint64

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(anchorConfTimeType, &unixSecs),
	)
	if err != nil {
		return time.Time{}, err
	}

	if err := stream.Decode(r); err != nil {
		return time.Time{}, err
	}

	if unixSecs == 0 {
		return time.Time{}, nil
	}

	return time.Unix(int64(unixSecs), 0), nil
}
