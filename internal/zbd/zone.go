package zbd

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"zonedb/internal/metrics"
)

// Zone tracks one physical zone of the device. Writes land strictly at the
// write pointer, in block-size multiples, and never cross the zone boundary.
// A zone is owned by at most one writer at a time via openForWrite.
type Zone struct {
	dev *Device
	id  uint32

	start       uint64
	maxCapacity uint64

	// capacity is the number of bytes left until the zone is full. wp is
	// the next legal write offset. Both are guarded by wpMu during appends;
	// all other mutations happen under the device io-zones lock.
	capacity uint64
	wp       uint64
	wpMu     sync.Mutex

	openForWrite   bool
	appendInFlight atomic.Bool
	usedCapacity   atomic.Int64

	lifetime          LifetimeHint
	secondaryLifetime float64

	extents []*ExtentInfo
}

func newZone(dev *Device, rec ZoneRecord, id uint32) *Zone {
	z := &Zone{
		dev:         dev,
		id:          id,
		start:       rec.Start,
		maxCapacity: rec.Capacity,
		wp:          rec.WP,
		lifetime:    LifetimeNotSet,
	}
	if !(rec.IsFull() || rec.IsOffline() || rec.IsReadOnly()) {
		z.capacity = rec.Capacity - (rec.WP - rec.Start)
	}
	return z
}

func (z *Zone) ID() uint32 { return z.id }

func (z *Zone) Start() uint64 { return z.start }

func (z *Zone) WP() uint64 { return z.wp }

func (z *Zone) MaxCapacity() uint64 { return z.maxCapacity }

func (z *Zone) CapacityLeft() uint64 { return z.capacity }

func (z *Zone) Lifetime() LifetimeHint { return z.lifetime }

func (z *Zone) UsedCapacity() int64 { return z.usedCapacity.Load() }

func (z *Zone) OpenForWrite() bool { return z.openForWrite }

func (z *Zone) IsEmpty() bool { return z.wp == z.start }

func (z *Zone) IsFull() bool { return z.capacity == 0 }

func (z *Zone) IsUsed() bool { return z.usedCapacity.Load() > 0 || z.openForWrite }

// Append writes data at the write pointer. The data length must be a
// multiple of the device block size and fit within the remaining capacity;
// violating either is a caller bug, not a device condition. Partial writes
// are retried with an advanced pointer. Append leaves openForWrite alone and
// takes only the per-zone wp lock, never the allocator lock.
func (z *Zone) Append(data []byte) error {
	size := uint64(len(data))

	if z.capacity < size {
		return fmt.Errorf("zone %d: append of %d bytes into %d remaining: %w",
			z.id, size, z.capacity, ErrNoSpace)
	}
	if size%z.dev.blockSize != 0 {
		return fmt.Errorf("zone %d: append size %d not block aligned: %w",
			z.id, size, ErrInvalidArgument)
	}

	z.appendInFlight.Store(true)
	defer z.appendInFlight.Store(false)

	for left := data; len(left) > 0; {
		n, err := z.dev.backend.WriteAt(left, int64(z.wp))
		if err != nil {
			return fmt.Errorf("zone %d: write at wp 0x%x: %w (%v)", z.id, z.wp, ErrIO, err)
		}
		left = left[n:]
		z.wpMu.Lock()
		z.wp += uint64(n)
		z.capacity -= uint64(n)
		z.wpMu.Unlock()
	}
	return nil
}

// Reset returns the zone to empty. Callers must have invalidated every
// extent first; resetting a zone that still holds live data is forbidden.
// The zone descriptor is re-read after the reset so an offline transition is
// observed (an offline zone is left with capacity zero; it is not removed
// from its pool).
func (z *Zone) Reset() error {
	if z.IsUsed() {
		return fmt.Errorf("zone %d: reset while holding live data: %w", z.id, ErrInvalidArgument)
	}

	if err := z.dev.backend.ResetZones(z.start, z.dev.zoneSize); err != nil {
		return fmt.Errorf("zone %d: reset: %w (%v)", z.id, ErrIO, err)
	}

	recs, err := z.dev.backend.ReportZones(z.start, z.dev.zoneSize)
	if err != nil || len(recs) != 1 {
		return fmt.Errorf("zone %d: report after reset: %w (%v)", z.id, ErrIO, err)
	}

	if recs[0].IsOffline() {
		z.capacity = 0
	} else {
		z.maxCapacity = recs[0].Capacity
		z.capacity = recs[0].Capacity
	}
	z.wp = z.start
	z.lifetime = LifetimeNotSet
	z.secondaryLifetime = float64(LifetimeNotSet)
	z.extents = nil

	metrics.ZoneResetsTotal.Inc()
	return nil
}

// Finish marks the zone full on the device and advances the write pointer to
// the zone boundary. The zone must not be open for write.
func (z *Zone) Finish() error {
	if z.openForWrite {
		return fmt.Errorf("zone %d: finish while open for write: %w", z.id, ErrInvalidArgument)
	}
	if err := z.dev.backend.FinishZones(z.start, z.dev.zoneSize); err != nil {
		return fmt.Errorf("zone %d: finish: %w (%v)", z.id, ErrIO, err)
	}
	z.capacity = 0
	z.wp = z.start + z.dev.zoneSize
	return nil
}

// Close transitions an implicitly or explicitly open zone to closed on the
// device. Empty and full zones need no device-side close.
func (z *Zone) Close() error {
	if z.openForWrite {
		return fmt.Errorf("zone %d: close while open for write: %w", z.id, ErrInvalidArgument)
	}
	if !(z.IsEmpty() || z.IsFull()) {
		if err := z.dev.backend.CloseZones(z.start, z.dev.zoneSize); err != nil {
			return fmt.Errorf("zone %d: close: %w (%v)", z.id, ErrIO, err)
		}
	}
	return nil
}

// Release is the writer's hand-back of a zone obtained from the allocator.
// It drops the exclusive write gate, closes the zone on the device, and
// tells the inventory that an open slot freed up (and an active slot, when
// the writer filled the zone).
func (z *Zone) Release() {
	if !z.openForWrite {
		z.dev.logger.Warn("Release of zone that is not open for write", zap.Uint32("zone", z.id))
		return
	}
	z.openForWrite = false
	if err := z.Close(); err != nil {
		z.dev.logger.Warn("Failed closing zone on release", zap.Uint32("zone", z.id), zap.Error(err))
	}
	z.dev.NotifyIOZoneClosed()
	if z.capacity == 0 {
		z.dev.NotifyIOZoneFull()
	}
}

// Invalidate flips the matching extent record to invalid. The valid bit only
// ever moves true→false; a second Invalidate of the same extent is reported
// and ignored.
func (z *Zone) Invalidate(extent *Extent) {
	if extent == nil {
		z.dev.logger.Warn("Invalidate called with nil extent", zap.Uint32("zone", z.id))
		return
	}
	found := false
	for _, info := range z.extents {
		if info.valid && info.extent == extent {
			if found {
				z.dev.logger.Warn("Duplicate extent in invalidate",
					zap.Uint32("zone", z.id), zap.Uint64("start", extent.Start))
			}
			info.invalidate()
			found = true
		}
	}
	if !found {
		z.dev.logger.Warn("Failed to find extent in zone",
			zap.Uint32("zone", z.id), zap.Uint64("start", extent.Start))
	}
}

// updateSecondaryLifetime folds a new extent's hint into the zone's
// length-weighted lifetime average. A zone with no recorded extents takes
// the incoming hint as-is.
func (z *Zone) updateSecondaryLifetime(hint LifetimeHint, length uint64) {
	var totalLength uint64
	for _, e := range z.extents {
		totalLength += e.length
	}
	totalLength += length
	if totalLength == 0 {
		return
	}
	var slt float64
	for _, e := range z.extents {
		weight := float64(e.length) / float64(totalLength)
		slt += weight * float64(e.lifetime)
	}
	slt += float64(length) / float64(totalLength) * float64(hint)
	z.secondaryLifetime = slt
}
