package zbd

import (
	"container/heap"
	"fmt"

	"github.com/ncw/directio"
	"go.uber.org/zap"

	"zonedb/internal/metrics"
)

// AllocateZoneForCleaning hands the cleaner its relocation target: the head
// of the reserved pool, never an I/O zone. The zone is opened for write and
// counted against the open limit; an empty grant also starts counting as
// active, since the cleaner is about to write it. An empty reserved pool is
// an accounting violation surfaced as ErrReservedExhausted, not a crash.
func (d *Device) AllocateZoneForCleaning() (*Zone, error) {
	d.waitForOpenSlot()

	if len(d.reservedZones) == 0 {
		d.logReservedPoolStatus()
		return nil, ErrReservedExhausted
	}
	z := d.reservedZones[0]
	if z.openForWrite {
		return nil, fmt.Errorf("reserved zone %d already open for write: %w", z.id, ErrInvalidArgument)
	}
	if z.IsEmpty() {
		d.incActive()
	}
	z.openForWrite = true
	d.incOpen()
	return z, nil
}

func (d *Device) logReservedPoolStatus() {
	for _, z := range d.reservedZones {
		d.logger.Error("Reserved zone status",
			zap.Uint32("zone", z.id),
			zap.Uint64("start", z.start),
			zap.Uint64("wp", z.wp),
			zap.Uint64("capacity", z.capacity),
			zap.Int64("used_capacity", z.usedCapacity.Load()),
			zap.Bool("open_for_write", z.openForWrite),
			zap.Bool("is_used", z.IsUsed()),
			zap.Bool("is_full", z.IsFull()),
			zap.Bool("is_empty", z.IsEmpty()),
		)
	}
}

// zoneCleaning drains the victim queue: for each victim, every valid extent
// is copied into reserved zones, the indexes are repointed, and the victim
// is reset and cycled into the reserved pool. numToReset zero means the
// caller only wants the working set topped up, so one reserved zone is
// promoted into the I/O pool and nothing is copied.
//
// Runs under the cleaning mutex; the allocator may be holding the io-zones
// lock when it calls in.
func (d *Device) zoneCleaning(numToReset int, queue *victimQueue) error {
	d.cleaningMu.Lock()
	defer d.cleaningMu.Unlock()

	if numToReset == 0 {
		if len(d.reservedZones) > 0 {
			z := d.reservedZones[0]
			d.reservedZones = d.reservedZones[1:]
			d.ioZones = append(d.ioZones, z)
		}
		return nil
	}

	metrics.ZoneCleaningsTotal.Inc()

	reseted := 0
	for queue.Len() > 0 && reseted < numToReset {
		victim := heap.Pop(queue).(*gcVictim).zone

		var validInfos []*ExtentInfo
		for _, info := range victim.extents {
			if info.valid {
				validInfos = append(validInfos, info)
			}
		}

		for _, info := range validInfos {
			if err := d.relocateExtent(victim, info); err != nil {
				return err
			}
		}

		wasFull := victim.IsFull()
		victim.usedCapacity.Store(0)
		if err := victim.Reset(); err != nil {
			d.logger.Warn("Failed resetting victim zone", zap.Uint32("zone", victim.id), zap.Error(err))
			continue
		}
		if !wasFull {
			d.decActive()
		}
		reseted++

		if len(d.reservedZones) < ReservedZones {
			d.ioZones = removeZone(d.ioZones, victim)
			d.reservedZones = append(d.reservedZones, victim)
		}
	}

	d.rebalancePools()
	return nil
}

// relocateExtent copies one live extent out of the victim into reserved
// zones, splitting across destinations when the target runs out of room,
// and repoints the file's extent list and the file→zones index. The file's
// extent write lock is held across the whole move.
func (d *Device) relocateExtent(victim *Zone, info *ExtentInfo) error {
	ext := info.extent
	file := info.file

	file.extentsMu.Lock()
	defer file.extentsMu.Unlock()

	validSize := ext.Length
	dataSize := validSize
	var padSize uint64
	if align := validSize % d.blockSize; align != 0 {
		dataSize = d.blockSize * (validSize/d.blockSize + 1)
		padSize = d.blockSize - align
	}

	buf := directio.AlignedBlock(int(dataSize))
	if _, err := d.backend.ReadAt(buf[:validSize], int64(ext.Start)); err != nil {
		if _, err := d.backend.ReadAtDirect(buf[:validSize], int64(ext.Start)); err != nil {
			return fmt.Errorf("cleaning read of zone %d extent at 0x%x: %w (%v)",
				victim.id, ext.Start, ErrIO, err)
		}
	}
	for i := validSize; i < dataSize; i++ {
		buf[i] = 0
	}

	dest, err := d.AllocateZoneForCleaning()
	if err != nil {
		return err
	}

	var newExtents []*Extent
	var newLength uint64
	left := dataSize
	var offset uint64

	for left > 0 {
		if left <= dest.capacity {
			if err := dest.Append(buf[offset : offset+left]); err != nil {
				return err
			}
			payload := left - padSize
			dest.usedCapacity.Add(int64(payload))
			newExt := &Extent{Start: dest.wp - left, Length: payload, ZoneID: dest.id}
			dest.pushExtentInfo(&ExtentInfo{
				extent:   newExt,
				file:     file,
				valid:    true,
				length:   payload,
				start:    newExt.Start,
				lifetime: file.lifetime,
				level:    file.level,
			})
			newExtents = append(newExtents, newExt)
			newLength += payload

			dest.openForWrite = false
			d.NotifyIOZoneClosed()
			if dest.capacity == 0 {
				d.decActive()
			}

			d.repointSSTZone(file, victim.id, dest.id)
			left = 0
			continue
		}

		// Fill the destination to the brim, finish it, promote it into the
		// I/O pool, and carry on with a fresh reserved zone.
		wr := dest.capacity
		if err := dest.Append(buf[offset : offset+wr]); err != nil {
			return err
		}
		dest.usedCapacity.Add(int64(wr))
		newExt := &Extent{Start: dest.wp - wr, Length: wr, ZoneID: dest.id}
		dest.pushExtentInfo(&ExtentInfo{
			extent:   newExt,
			file:     file,
			valid:    true,
			length:   wr,
			start:    newExt.Start,
			lifetime: file.lifetime,
			level:    file.level,
		})
		newExtents = append(newExtents, newExt)
		newLength += wr
		left -= wr
		offset += wr

		d.repointSSTZone(file, victim.id, dest.id)

		dest.openForWrite = false
		d.NotifyIOZoneClosed()
		if err := dest.Finish(); err != nil {
			return err
		}
		d.decActive()

		d.reservedZones = removeZone(d.reservedZones, dest)
		d.ioZones = append(d.ioZones, dest)

		if dest, err = d.AllocateZoneForCleaning(); err != nil {
			return err
		}
	}

	if newLength != validSize {
		d.logger.Error("Relocated extent length mismatch",
			zap.Uint64("want", validSize), zap.Uint64("got", newLength))
	}
	if used := victim.usedCapacity.Load(); used < int64(validSize) {
		d.logger.Error("Victim used capacity below extent length",
			zap.Uint32("zone", victim.id), zap.Int64("used", used), zap.Uint64("extent", validSize))
	}
	victim.usedCapacity.Add(-int64(validSize))

	file.replaceExtent(ext, newExtents)
	info.invalidate()

	metrics.GCCopiedBytesTotal.Add(float64(dataSize))
	return nil
}

// repointSSTZone drops the victim from the file's zone set and records the
// destination.
func (d *Device) repointSSTZone(file *ZoneFile, victimID, destID uint32) {
	if !file.isSST {
		return
	}
	d.sstZoneMu.Lock()
	defer d.sstZoneMu.Unlock()
	ids := d.sstToZones[file.fno]
	for i, id := range ids {
		if id == victimID {
			d.sstToZones[file.fno] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	d.addSSTZoneLocked(file.fno, destID)
}

// rebalancePools restores the reserved pool to its target size on the way
// out of a cleaning pass: dirtied reserved zones migrate to the I/O pool,
// the pool refills from empty non-open I/O zones, and any surplus drains
// back.
func (d *Device) rebalancePools() {
	kept := d.reservedZones[:0]
	for _, z := range d.reservedZones {
		if !z.IsEmpty() || z.IsUsed() {
			d.ioZones = append(d.ioZones, z)
		} else {
			kept = append(kept, z)
		}
	}
	d.reservedZones = kept

	if len(d.reservedZones) < ReservedZones {
		remaining := d.ioZones[:0]
		for _, z := range d.ioZones {
			if len(d.reservedZones) < ReservedZones && z.IsEmpty() && !z.openForWrite {
				d.reservedZones = append(d.reservedZones, z)
			} else {
				remaining = append(remaining, z)
			}
		}
		d.ioZones = remaining
	}

	for len(d.reservedZones) > ReservedZones {
		z := d.reservedZones[len(d.reservedZones)-1]
		if !z.IsEmpty() || z.openForWrite {
			d.logger.Error("Surplus reserved zone not empty", zap.Uint32("zone", z.id))
		}
		d.reservedZones = d.reservedZones[:len(d.reservedZones)-1]
		d.ioZones = append(d.ioZones, z)
	}

	for _, z := range d.reservedZones {
		z.usedCapacity.Store(0)
	}
}

func removeZone(list []*Zone, z *Zone) []*Zone {
	for i, cur := range list {
		if cur == z {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
