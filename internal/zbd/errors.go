package zbd

import "errors"

var (
	// ErrInvalidArgument covers device open failures and misuse of the
	// append/reset preconditions.
	ErrInvalidArgument = errors.New("zbd: invalid argument")

	// ErrNotSupported is returned for devices the zone manager cannot
	// drive: not host-managed, or fewer than MinZones zones.
	ErrNotSupported = errors.New("zbd: not supported")

	// ErrIO wraps zone reset/finish/close and read/write syscall failures.
	ErrIO = errors.New("zbd: i/o error")

	// ErrNoSpace is returned by Append when the caller hands it more data
	// than the zone has capacity for. This is always a caller bug.
	ErrNoSpace = errors.New("zbd: not enough capacity for append")

	// ErrReservedExhausted is returned when the cleaner needs a relocation
	// target and the reserved pool is empty. The pool rebalance at the end
	// of every cleaning pass keeps this from happening; seeing it means the
	// zone accounting is broken.
	ErrReservedExhausted = errors.New("zbd: reserved zone pool exhausted during cleaning")
)
