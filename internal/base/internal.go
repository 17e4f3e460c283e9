package base

import "encoding/binary"

type InternalKeyKind uint8

const (
	InternalKeyKindSet InternalKeyKind = iota
	InternalKeyKindDelete
	InternalKeyKindSingleDelete
	InternalKeyKindRangeDelete

	// InternalKeyKindMax sorts before any other valid kind when searching
	// for internal keys formed by a certain user key and seqNum.
	InternalKeyKindMax InternalKeyKind = 23

	InternalKeyMask = 0xff
)

// InternalKey is a key as stored by the LSM engine above the zone manager.
//
// It consists of the user key (as given by the code that uses the engine)
// followed by 8-bytes of metadata:
//   - 1 byte for the type of internal key: delete or set,
//   - 7 bytes for a uint56 sequence number, in little-endian format.
//
// The zone manager never interprets values; it only compares keys to judge
// SSTable range overlap during placement.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// MakeInternalKey constructs an internal key from a specified user key,
// sequence number and kind.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Trailer: MakeTrailer(seqNum, kind),
	}
}

// MakeSearchKey constructs an internal key that is appropriate for searching
// for the specified user key. The search key contains the maximal sequence
// number and kind, ensuring that it sorts before any other internal keys for
// the same user key.
func MakeSearchKey(userKey []byte) InternalKey {
	return MakeInternalKey(userKey, SeqNumMax, InternalKeyKindMax)
}

type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified sequence
// number and kind. A 56-bit sequence number followed by an 8-bit key kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer (the final 8-bits).
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & InternalKeyMask)
}

// UserKeyUint64 projects an internal key's user key onto the uint64 number
// line by reading its first eight bytes big-endian, zero-padded on the right
// for shorter keys. Keys sharing an 8-byte prefix collapse to the same
// value, which is acceptable for the coarse overlap scoring the allocator
// performs.
func (k InternalKey) UserKeyUint64() uint64 {
	var buf [8]byte
	copy(buf[:], k.UserKey)
	return binary.BigEndian.Uint64(buf[:])
}
