package zbd

import (
	"sync"

	"zonedb/internal/base"
)

// ZoneFile is the zone manager's view of one file of the upper engine: its
// number, key bounds, LSM level, lifetime hint, and the ordered extents that
// hold its bytes. The engine registers a ZoneFile before its first append
// and deregisters it when the file is deleted.
//
// The extent list is mutated from two sides: the engine appends extents as
// it writes, and the cleaner replaces extents as it relocates them. The
// per-file write lock serializes the two.
type ZoneFile struct {
	fno      uint64
	filename string
	smallest base.InternalKey
	largest  base.InternalKey
	level    int
	lifetime LifetimeHint
	isSST    bool

	extentsMu sync.RWMutex
	extents   []*Extent
}

func NewZoneFile(fno uint64, filename string, smallest, largest base.InternalKey, level int, lifetime LifetimeHint) *ZoneFile {
	return &ZoneFile{
		fno:      fno,
		filename: filename,
		smallest: smallest,
		largest:  largest,
		level:    level,
		lifetime: lifetime,
		isSST:    true,
	}
}

func (f *ZoneFile) Fno() uint64 { return f.fno }

func (f *ZoneFile) Filename() string { return f.filename }

func (f *ZoneFile) Smallest() base.InternalKey { return f.smallest }

func (f *ZoneFile) Largest() base.InternalKey { return f.largest }

func (f *ZoneFile) Level() int { return f.level }

func (f *ZoneFile) Lifetime() LifetimeHint { return f.lifetime }

func (f *ZoneFile) Extents() []*Extent {
	f.extentsMu.RLock()
	defer f.extentsMu.RUnlock()
	out := make([]*Extent, len(f.extents))
	copy(out, f.extents)
	return out
}

// replaceExtent swaps one extent for an ordered run of replacements,
// preserving list order. Caller holds the extent write lock.
func (f *ZoneFile) replaceExtent(old *Extent, repl []*Extent) {
	updated := make([]*Extent, 0, len(f.extents)+len(repl)-1)
	for _, e := range f.extents {
		if e == old {
			updated = append(updated, repl...)
		} else {
			updated = append(updated, e)
		}
	}
	f.extents = updated
}

// RegisterFile publishes a file to the inventory so placement queries can
// see its bounds.
func (d *Device) RegisterFile(f *ZoneFile) {
	d.filesMu.Lock()
	defer d.filesMu.Unlock()
	d.files[f.fno] = f
}

// DeregisterFile removes a deleted file: its extents are invalidated in
// their zones (the bytes stay until each zone resets), the zone used
// counters drop, and the file leaves the file→zones index.
func (d *Device) DeregisterFile(fno uint64) {
	d.filesMu.Lock()
	f, ok := d.files[fno]
	if ok {
		delete(d.files, fno)
	}
	d.filesMu.Unlock()
	if !ok {
		return
	}

	f.extentsMu.Lock()
	for _, ext := range f.extents {
		if z := d.lookupZone(ext.ZoneID); z != nil {
			z.Invalidate(ext)
			z.usedCapacity.Add(-int64(ext.Length))
		}
	}
	f.extents = nil
	f.extentsMu.Unlock()

	d.sstZoneMu.Lock()
	delete(d.sstToZones, fno)
	d.sstZoneMu.Unlock()
}

func (d *Device) lookupFile(fno uint64) *ZoneFile {
	d.filesMu.Lock()
	defer d.filesMu.Unlock()
	return d.files[fno]
}

// PublishExtent records a completed append: the engine wrote length payload
// bytes at start into z on behalf of f. The zone-side extent index, the
// file-side extent list, and the file→zones mapping are updated together so
// they never disagree.
func (d *Device) PublishExtent(f *ZoneFile, z *Zone, start, length uint64) *Extent {
	ext := &Extent{Start: start, Length: length, ZoneID: z.id}

	f.extentsMu.Lock()
	f.extents = append(f.extents, ext)
	f.extentsMu.Unlock()

	z.updateSecondaryLifetime(f.lifetime, length)
	z.pushExtentInfo(&ExtentInfo{
		extent:   ext,
		file:     f,
		valid:    true,
		length:   length,
		start:    start,
		lifetime: f.lifetime,
		level:    f.level,
	})
	z.usedCapacity.Add(int64(length))

	if f.isSST {
		d.sstZoneMu.Lock()
		d.addSSTZoneLocked(f.fno, z.id)
		d.sstZoneMu.Unlock()
	}
	return ext
}

// addSSTZoneLocked appends zoneID to the file's zone set if absent. Caller
// holds sstZoneMu.
func (d *Device) addSSTZoneLocked(fno uint64, zoneID uint32) {
	for _, id := range d.sstToZones[fno] {
		if id == zoneID {
			return
		}
	}
	d.sstToZones[fno] = append(d.sstToZones[fno], zoneID)
}
