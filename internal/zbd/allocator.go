package zbd

import (
	"sort"

	"go.uber.org/zap"

	"zonedb/internal/base"
	"zonedb/internal/compare"
)

// AllocateZone hands the caller a zone to write a file into, open-for-write
// set and counted against the open limit, or nil when the device cannot
// produce one. The placement cascade tries, in order: bootstrap grab on an
// empty inventory, co-location with key-overlapping files, a fresh empty
// zone, level-local placement next to key neighbours, and finally the best
// lifetime fit among started zones. When the cascade comes up empty the
// reactive cleaning pass runs and the cascade is retried once.
//
// The whole call runs under the io-zones lock; admission first blocks until
// an open-zone slot is free.
func (d *Device) AllocateZone(hint LifetimeHint, smallest, largest base.InternalKey, level int) (*Zone, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.waitForOpenSlot()

	d.housekeepZones()

	if d.opts.ProactiveCleaning {
		if err := d.proactiveCleaning(); err != nil {
			return nil, err
		}
	}

	z := d.tryPlacement(hint, smallest, largest, level, true)
	if z == nil {
		queue, totalInvalid := d.buildVictimQueue()
		numToReset := 0
		if len(d.ioZones) > 0 && totalInvalid >= d.ioZones[0].maxCapacity {
			numToReset = ReservedZones
		}
		if err := d.zoneCleaning(numToReset, queue); err != nil {
			return nil, err
		}
		z = d.tryPlacement(hint, smallest, largest, level, false)
	}

	if z == nil {
		d.logZoneStatsLocked()
		return nil, nil
	}

	if z.openForWrite {
		d.logger.Error("Placement returned a zone already open for write", zap.Uint32("zone", z.id))
		return nil, ErrInvalidArgument
	}
	z.openForWrite = true
	d.incOpen()
	return z, nil
}

// housekeepZones resets zones whose data is all dead and finishes zones
// within the finish threshold of full, freeing active slots ahead of
// placement. Per-zone failures are logged and the zone left for the next
// pass.
func (d *Device) housekeepZones() {
	for _, z := range d.ioZones {
		if z.openForWrite || z.IsEmpty() || (z.IsFull() && z.IsUsed()) {
			continue
		}

		if !z.IsUsed() {
			for _, info := range z.extents {
				if info.valid {
					d.logger.Error("Unused zone holds a valid extent",
						zap.Uint32("zone", z.id), zap.Uint64("extent_start", info.start))
				}
			}
			wasFull := z.IsFull()
			if err := z.Reset(); err != nil {
				d.logger.Warn("Failed resetting zone", zap.Uint32("zone", z.id), zap.Error(err))
				continue
			}
			if !wasFull {
				d.decActive()
			}
			continue
		}

		if z.capacity < z.maxCapacity*d.opts.FinishThresholdPct/100 {
			if err := z.Finish(); err != nil {
				d.logger.Warn("Failed finishing zone", zap.Uint32("zone", z.id), zap.Error(err))
				continue
			}
			d.decActive()
		}
	}
}

// proactiveCleaning triggers a cleaning batch when free space runs low:
// at or under 25% free it cleans a tenth of the I/O zones, at or under 20%
// a fifth.
func (d *Device) proactiveCleaning() error {
	nrZones := len(d.ioZones)
	if nrZones == 0 {
		return nil
	}
	total := uint64(nrZones) * d.ioZones[0].maxCapacity
	if total == 0 {
		return nil
	}
	freeRatio := float64(d.GetFreeSpace()) / float64(total) * 100

	if freeRatio > 25.0 {
		return nil
	}

	numToReset := nrZones / 5
	if freeRatio > 20.0 {
		numToReset = nrZones / 10
	}
	queue, _ := d.buildVictimQueue()
	return d.zoneCleaning(numToReset, queue)
}

// tryPlacement is the placement cascade proper. It is run once before and
// once after reactive cleaning; only the first run may take the bootstrap
// shortcut. A zone grabbed from empty has the caller's lifetime stamped and
// the active count bumped; setting open-for-write is left to the caller.
func (d *Device) tryPlacement(hint LifetimeHint, smallest, largest base.InternalKey, level int, bootstrap bool) *Zone {
	if bootstrap && d.sstToZonesEmpty() {
		if z := d.grabEmptyZone(hint); z != nil {
			return z
		}
	}

	fnoList := d.overlappingFilesByRatio(smallest, largest)
	if len(fnoList) > 0 {
		if z := d.pickZoneFromFiles(fnoList); z != nil {
			return z
		}
	} else if level == 0 || level == LevelUnknown {
		// L0 files are compacted altogether; keep them clustered.
		l0Files := d.sameLevelFileList(0)
		if z := d.allocateMostL0(d.zoneSetForFiles(l0Files)); z != nil {
			return z
		}
	}

	if z := d.grabEmptyZone(hint); z != nil {
		return z
	}

	if level != LevelUnknown {
		fnoList = d.sameLevelFileList(level)
		if z := d.allocateSameLevelFiles(fnoList, smallest, largest); z != nil {
			return z
		}
	}

	return d.bestLifetimeFit(hint)
}

func (d *Device) sstToZonesEmpty() bool {
	d.sstZoneMu.Lock()
	defer d.sstZoneMu.Unlock()
	return len(d.sstToZones) == 0
}

// grabEmptyZone takes the first empty non-open zone if an active slot is
// free, stamping it with the caller's lifetime hint.
func (d *Device) grabEmptyZone(hint LifetimeHint) *Zone {
	if d.activeIOZones.Load() >= d.maxActiveIOZones {
		return nil
	}
	for _, z := range d.ioZones {
		if !z.openForWrite && z.IsEmpty() {
			z.lifetime = hint
			d.incActive()
			return z
		}
	}
	return nil
}

// overlappingFilesByRatio asks the oracle for every file overlapping
// [smallest, largest] and orders them by overlap ratio, descending. The
// ratio is intersection width over union width with user keys projected to
// integers; candidates whose union collapses to a point are skipped.
func (d *Device) overlappingFilesByRatio(smallest, largest base.InternalKey) []uint64 {
	fnos := d.allOverlappingFiles(smallest, largest)
	if len(fnos) == 0 {
		return nil
	}

	type overlap struct {
		fno   uint64
		ratio float64
	}
	callerMin := smallest.UserKeyUint64()
	callerMax := largest.UserKeyUint64()

	scored := make([]overlap, 0, len(fnos))
	for _, fno := range fnos {
		f := d.lookupFile(fno)
		if f == nil {
			continue
		}
		fileMin := f.smallest.UserKeyUint64()
		fileMax := f.largest.UserKeyUint64()

		unionMin, interMin := fileMin, callerMin
		if callerMin < fileMin {
			unionMin, interMin = callerMin, fileMin
		}
		unionMax, interMax := fileMax, callerMax
		if callerMax > fileMax {
			unionMax, interMax = callerMax, fileMax
		}
		if unionMax == unionMin || interMax < interMin {
			continue
		}
		scored = append(scored, overlap{
			fno:   fno,
			ratio: float64(interMax-interMin) / float64(unionMax-unionMin),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].ratio > scored[j].ratio })

	out := make([]uint64, len(scored))
	for i, s := range scored {
		out[i] = s.fno
	}
	return out
}

// zoneSetForFiles collects the ids of every zone holding an extent of the
// given files.
func (d *Device) zoneSetForFiles(fnos []uint64) map[uint32]struct{} {
	set := make(map[uint32]struct{})
	d.sstZoneMu.Lock()
	defer d.sstZoneMu.Unlock()
	for _, fno := range fnos {
		for _, id := range d.sstToZones[fno] {
			set[id] = struct{}{}
		}
	}
	return set
}

// pickZoneFromFiles picks a writable zone already holding the candidate
// files' data, preferring the one carrying the least invalid data.
func (d *Device) pickZoneFromFiles(fnos []uint64) *Zone {
	zoneSet := d.zoneSetForFiles(fnos)
	if len(zoneSet) == 0 {
		return nil
	}

	var best *Zone
	var bestInvalid uint64
	for _, z := range d.ioZones {
		if _, ok := zoneSet[z.id]; !ok {
			continue
		}
		if z.IsFull() || z.openForWrite {
			continue
		}
		invalid := z.invalidBytes()
		if best == nil || invalid < bestInvalid {
			best = z
			bestInvalid = invalid
		}
	}
	return best
}

// allocateMostL0 picks, among the given zones, the writable one holding the
// most live L0 bytes.
func (d *Device) allocateMostL0(zoneSet map[uint32]struct{}) *Zone {
	if len(zoneSet) == 0 {
		return nil
	}
	var max uint64
	var best *Zone
	for id := range zoneSet {
		z := d.lookupZone(id)
		if z == nil || z.openForWrite || z.IsFull() {
			continue
		}
		var length uint64
		for _, info := range z.extents {
			if info.level == 0 && info.valid {
				length += info.length
			}
		}
		if length >= max {
			max = length
			best = z
		}
	}
	return best
}

// allocateSameLevelFiles places the caller among the zones of same-level
// files whose key ranges bracket the caller's. The sorted file list is
// searched for the insertion point of the caller's largest key; the left
// and right neighbours are tried first, then outward alternately. A caller
// off either end of the list scans inward from that end.
func (d *Device) allocateSameLevelFiles(fnoList []uint64, smallest, largest base.InternalKey) *Zone {
	if len(fnoList) == 0 {
		return nil
	}

	if len(fnoList) == 1 {
		return d.writableZoneOfFile(fnoList[0])
	}

	idx := len(fnoList)
	d.filesMu.Lock()
	for i, fno := range fnoList {
		f := d.files[fno]
		if f == nil {
			continue
		}
		if compare.Internal(largest, f.smallest) <= 0 {
			idx = i
			break
		}
	}
	d.filesMu.Unlock()

	lIdx, rIdx := idx-1, idx

	switch {
	case lIdx < 0:
		// Caller holds the smallest keys of the level.
		for _, fno := range fnoList {
			if z := d.writableZoneOfFile(fno); z != nil {
				return z
			}
		}
	case rIdx == len(fnoList):
		// Caller holds the largest keys of the level.
		for i := len(fnoList) - 1; i >= 0; i-- {
			if z := d.writableZoneOfFile(fnoList[i]); z != nil {
				return z
			}
		}
	default:
		for lIdx >= 0 || rIdx < len(fnoList) {
			if lIdx >= 0 {
				if z := d.writableZoneOfFile(fnoList[lIdx]); z != nil {
					return z
				}
				lIdx--
			}
			if rIdx < len(fnoList) {
				if z := d.writableZoneOfFile(fnoList[rIdx]); z != nil {
					return z
				}
				rIdx++
			}
		}
	}
	return nil
}

// writableZoneOfFile returns a not-full, not-open zone holding the file's
// data, or nil.
func (d *Device) writableZoneOfFile(fno uint64) *Zone {
	d.sstZoneMu.Lock()
	ids := append([]uint32(nil), d.sstToZones[fno]...)
	d.sstZoneMu.Unlock()

	for _, id := range ids {
		z := d.lookupZone(id)
		if z != nil && !z.openForWrite && !z.IsFull() {
			return z
		}
	}
	return nil
}

// bestLifetimeFit fills an already started zone with the closest lifetime.
// Later zones win ties, and even a not-good match is accepted: a bad
// co-location beats refusing the write.
func (d *Device) bestLifetimeFit(hint LifetimeHint) *Zone {
	var best *Zone
	bestDiff := uint(lifetimeDiffNotGood)
	for _, z := range d.ioZones {
		if !z.openForWrite && z.usedCapacity.Load() > 0 && !z.IsFull() {
			diff := LifetimeDiff(z.lifetime, hint)
			if diff <= bestDiff {
				best = z
				bestDiff = diff
			}
		}
	}
	return best
}
