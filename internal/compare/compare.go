package compare

import (
	"bytes"

	"zonedb/internal/base"
)

type Compare func(a, b base.InternalKey) int

// Internal orders internal keys the way the LSM engine does: increasing by
// user key, then decreasing by trailer so that the entry with the highest
// sequence number sorts first among identical user keys.
func Internal(a, b base.InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	if a.Trailer > b.Trailer {
		return -1
	}
	if a.Trailer < b.Trailer {
		return 1
	}
	return 0
}

// User compares only the user-key component. Zone placement cares about key
// range overlap, for which the trailer is noise.
func User(a, b base.InternalKey) int {
	return bytes.Compare(a.UserKey, b.UserKey)
}
