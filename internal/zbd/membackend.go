package zbd

import (
	"fmt"
	"sync"
)

// MemBackend emulates a host-managed zoned block device in memory: one
// write pointer per zone, sequential-write-required discipline, explicit
// reset/finish/close transitions. It backs the test suite and is handy for
// running the zone manager without hardware.
type MemBackend struct {
	// MaxOpen and MaxActive feed Info(); zero means unlimited. Model
	// defaults to host-managed. Set these before Open.
	MaxOpen   uint32
	MaxActive uint32
	Model     ZoneModel

	mu        sync.Mutex
	zoneSize  uint64
	blockSize uint64
	zones     []memZone
	data      []byte
	resets    int
}

type memZone struct {
	start    uint64
	wp       uint64
	capacity uint64
	ztype    ZoneType
	cond     ZoneCond
}

func NewMemBackend(nrZones uint32, zoneSize, blockSize uint64) *MemBackend {
	b := &MemBackend{
		Model:     ModelHostManaged,
		zoneSize:  zoneSize,
		blockSize: blockSize,
		zones:     make([]memZone, nrZones),
		data:      make([]byte, uint64(nrZones)*zoneSize),
	}
	for i := range b.zones {
		b.zones[i] = memZone{
			start:    uint64(i) * zoneSize,
			wp:       uint64(i) * zoneSize,
			capacity: zoneSize,
			ztype:    ZoneTypeSeqWriteRequired,
			cond:     ZoneCondEmpty,
		}
	}
	return b
}

// SetZoneCondition overrides one zone's reported condition. Tests use it to
// fake offline or read-only zones.
func (b *MemBackend) SetZoneCondition(idx int, cond ZoneCond) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zones[idx].cond = cond
}

// SetZoneType overrides one zone's reported type.
func (b *MemBackend) SetZoneType(idx int, t ZoneType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zones[idx].ztype = t
}

func (b *MemBackend) Info() DeviceInfo {
	return DeviceInfo{
		Model:          b.Model,
		BlockSize:      b.blockSize,
		ZoneSize:       b.zoneSize,
		NrZones:        uint32(len(b.zones)),
		MaxOpenZones:   b.MaxOpen,
		MaxActiveZones: b.MaxActive,
	}
}

func (b *MemBackend) zoneRange(start, length uint64) (int, int, error) {
	if start%b.zoneSize != 0 {
		return 0, 0, fmt.Errorf("offset 0x%x not zone aligned", start)
	}
	first := int(start / b.zoneSize)
	n := int((length + b.zoneSize - 1) / b.zoneSize)
	if first >= len(b.zones) {
		return 0, 0, fmt.Errorf("offset 0x%x beyond device end", start)
	}
	if first+n > len(b.zones) {
		n = len(b.zones) - first
	}
	return first, n, nil
}

func (b *MemBackend) ReportZones(start, length uint64) ([]ZoneRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, n, err := b.zoneRange(start, length)
	if err != nil {
		return nil, err
	}
	recs := make([]ZoneRecord, 0, n)
	for i := first; i < first+n; i++ {
		z := b.zones[i]
		recs = append(recs, ZoneRecord{
			Start:    z.start,
			Length:   b.zoneSize,
			WP:       z.wp,
			Capacity: b.zoneSize,
			Type:     z.ztype,
			Cond:     z.cond,
		})
	}
	return recs, nil
}

func (b *MemBackend) ResetZones(start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, n, err := b.zoneRange(start, length)
	if err != nil {
		return err
	}
	for i := first; i < first+n; i++ {
		z := &b.zones[i]
		if z.cond == ZoneCondOffline || z.cond == ZoneCondReadOnly {
			return fmt.Errorf("zone %d not resettable in condition %d", i, z.cond)
		}
		z.wp = z.start
		z.capacity = b.zoneSize
		z.cond = ZoneCondEmpty
		b.resets++
	}
	return nil
}

// ResetCount reports how many zone resets the backend has executed.
func (b *MemBackend) ResetCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

func (b *MemBackend) FinishZones(start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, n, err := b.zoneRange(start, length)
	if err != nil {
		return err
	}
	for i := first; i < first+n; i++ {
		z := &b.zones[i]
		if z.cond == ZoneCondOffline || z.cond == ZoneCondReadOnly {
			return fmt.Errorf("zone %d not finishable in condition %d", i, z.cond)
		}
		z.wp = z.start + b.zoneSize
		z.capacity = 0
		z.cond = ZoneCondFull
	}
	return nil
}

func (b *MemBackend) CloseZones(start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, n, err := b.zoneRange(start, length)
	if err != nil {
		return err
	}
	for i := first; i < first+n; i++ {
		z := &b.zones[i]
		if z.cond == ZoneCondImpOpen || z.cond == ZoneCondExpOpen {
			z.cond = ZoneCondClosed
		}
	}
	return nil
}

// WriteAt enforces the sequential-write discipline: the offset must equal
// the target zone's write pointer, the write must stay inside the zone, and
// full or offline zones reject writes.
func (b *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := int(uint64(off) / b.zoneSize)
	if idx >= len(b.zones) {
		return 0, fmt.Errorf("write at 0x%x beyond device end", off)
	}
	z := &b.zones[idx]
	switch z.cond {
	case ZoneCondFull, ZoneCondOffline, ZoneCondReadOnly:
		return 0, fmt.Errorf("write to zone %d in condition %d", idx, z.cond)
	}
	if uint64(off) != z.wp {
		return 0, fmt.Errorf("write at 0x%x does not match write pointer 0x%x", off, z.wp)
	}
	if uint64(off)+uint64(len(p)) > z.start+b.zoneSize {
		return 0, fmt.Errorf("write of %d bytes at 0x%x crosses zone boundary", len(p), off)
	}

	copy(b.data[off:], p)
	z.wp += uint64(len(p))
	z.capacity -= uint64(len(p))
	if z.capacity == 0 {
		z.cond = ZoneCondFull
	} else {
		z.cond = ZoneCondImpOpen
	}
	return len(p), nil
}

func (b *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(b.data)) {
		return 0, fmt.Errorf("read of %d bytes at 0x%x out of range", len(p), off)
	}
	copy(p, b.data[off:])
	return len(p), nil
}

func (b *MemBackend) ReadAtDirect(p []byte, off int64) (int, error) {
	return b.ReadAt(p, off)
}

func (b *MemBackend) Close() error { return nil }

var _ Backend = (*MemBackend)(nil)
