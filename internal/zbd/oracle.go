package zbd

import "zonedb/internal/base"

// LsmOracle is the read-only view of the upper engine's file tree the
// allocator consults for placement. Results are only valid while the
// io-zones lock is held; the oracle must answer from a consistent snapshot
// but is otherwise free to recompute per call.
type LsmOracle interface {
	// SameLevelFileList returns the file numbers at the given level, in
	// ascending key order.
	SameLevelFileList(level int) []uint64
	// AdjacentFileList returns the files at level+1 whose key range
	// overlaps [smallest, largest].
	AdjacentFileList(smallest, largest base.InternalKey, level int) []uint64
	// AllOverlappingFiles returns every file, at any level, whose key
	// range overlaps [smallest, largest].
	AllOverlappingFiles(smallest, largest base.InternalKey) []uint64
	// Levels returns the number of levels in the tree.
	Levels() int
}

// SetOracle attaches the upper engine. Placement falls back to the
// lifetime-fit and empty-zone paths while no oracle is attached.
func (d *Device) SetOracle(o LsmOracle) {
	d.oracle = o
}

func (d *Device) sameLevelFileList(level int) []uint64 {
	if d.oracle == nil {
		return nil
	}
	return d.oracle.SameLevelFileList(level)
}

func (d *Device) allOverlappingFiles(smallest, largest base.InternalKey) []uint64 {
	if d.oracle == nil {
		return nil
	}
	return d.oracle.AllOverlappingFiles(smallest, largest)
}
