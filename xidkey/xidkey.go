// Package xidkey provides XidKey, the immutable value key used to address
// an XA transaction branch throughout the server.
package xidkey

import (
	"encoding/hex"
	"fmt"
)

// Xid mirrors the XA transaction identifier carried on the wire: a format
// id plus two opaque byte strings. It is kept separate from XidKey so that
// wire-level code does not need to import the registry's key type.
type Xid struct {
	FormatID        int32
	GlobalTxID      []byte
	BranchQualifier []byte
}

// XidKey is the sole key used to identify an XA transaction branch within
// the registry. It is immutable and value-equal over all three fields:
// two XidKeys built from byte slices with equal contents compare equal
// regardless of slice identity.
type XidKey struct {
	formatID int32
	gtrid    string
	bqual    string
	cached   string
}

// New builds a XidKey from its three components. The byte slices are
// copied into the key's internal string representation, so the caller's
// slices may be mutated or reused afterward without affecting the key.
func New(formatID int32, gtrid, bqual []byte) XidKey {
	k := XidKey{
		formatID: formatID,
		gtrid:    string(gtrid),
		bqual:    string(bqual),
	}
	k.cached = k.build()
	return k
}

// FromXid converts a wire Xid into a XidKey.
func FromXid(x Xid) XidKey {
	return New(x.FormatID, x.GlobalTxID, x.BranchQualifier)
}

// ToXid performs the round-trip conversion back to a wire Xid. For any
// XidKey k, FromXid(k.ToXid()) equals k by value.
func (k XidKey) ToXid() Xid {
	return Xid{
		FormatID:        k.formatID,
		GlobalTxID:      []byte(k.gtrid),
		BranchQualifier: []byte(k.bqual),
	}
}

// FormatID returns the XA format id.
func (k XidKey) FormatID() int32 { return k.formatID }

// GlobalTransactionID returns a copy of the global transaction id bytes.
func (k XidKey) GlobalTransactionID() []byte {
	return []byte(k.gtrid)
}

// BranchQualifier returns a copy of the branch qualifier bytes.
func (k XidKey) BranchQualifier() []byte {
	return []byte(k.bqual)
}

// Equal reports whether two XidKeys are value-equal over
// (formatId, gtrid, bqual).
func (k XidKey) Equal(other XidKey) bool {
	return k.formatID == other.formatID && k.gtrid == other.gtrid && k.bqual == other.bqual
}

// String returns a stable, human-readable representation suitable for
// logging and for use as a map key.
func (k XidKey) String() string {
	return k.cached
}

func (k XidKey) build() string {
	return fmt.Sprintf("%d:%s:%s", k.formatID, hex.EncodeToString([]byte(k.gtrid)), hex.EncodeToString([]byte(k.bqual)))
}
