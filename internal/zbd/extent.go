package zbd

// Extent is a contiguous byte range within a single zone holding part of one
// file. Extents refer to their zone by stable id rather than by pointer; the
// device's id→zone index is the authoritative navigation.
type Extent struct {
	Start  uint64
	Length uint64
	ZoneID uint32
}

// ExtentInfo is the zone-side record of an extent. The valid bit transitions
// true→false exactly once, when the owning file (or the covered part of it)
// is deleted or when the cleaner relocates the extent to another zone; the
// bytes stay on the device until the zone is reset.
type ExtentInfo struct {
	extent   *Extent
	file     *ZoneFile
	valid    bool
	length   uint64
	start    uint64
	lifetime LifetimeHint
	level    int
}

func (e *ExtentInfo) invalidate() { e.valid = false }

// paddedLength is the on-device footprint of the extent: its length rounded
// up to a block boundary.
func (e *ExtentInfo) paddedLength(blockSize uint64) uint64 {
	if align := e.length % blockSize; align != 0 {
		return e.length + (blockSize - align)
	}
	return e.length
}

// validBytes and invalidBytes report the padded on-device footprint of the
// zone's extents by state. Callers hold the device io-zones lock.
func (z *Zone) validBytes() uint64 {
	var total uint64
	for _, e := range z.extents {
		if e.valid {
			total += e.paddedLength(z.dev.blockSize)
		}
	}
	return total
}

func (z *Zone) invalidBytes() uint64 {
	var total uint64
	for _, e := range z.extents {
		if !e.valid {
			total += e.paddedLength(z.dev.blockSize)
		}
	}
	return total
}

func (z *Zone) pushExtentInfo(info *ExtentInfo) {
	z.extents = append(z.extents, info)
}
