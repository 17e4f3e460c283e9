package base

// SeqNum is a sequence number defining precedence among identical keys. A key
// with a higher sequence number takes precedence over a key with an equal
// user key of a lower sequence number. Sequence numbers are stored durably
// within the internal key "trailer" as a 7-byte (uint56) uint, and the
// maximum sequence number is 2^56-1. As keys are committed to the database,
// they're assigned increasing sequence numbers.
type SeqNum uint64

const SeqNumMax = SeqNum(^uint64(0) >> 8)
