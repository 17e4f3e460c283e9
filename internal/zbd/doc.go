// Package zbd manages a host-managed zoned block device as the raw medium
// for a log-structured key-value engine. It owns the zone inventory and
// lifecycle, the placement policy that picks a zone for every file the
// engine writes, and the cleaning pipeline that relocates live extents out
// of mostly-dead zones and recycles them.
//
// The Device handle is the entry point; the upper engine attaches itself as
// the LsmOracle, registers its files, and obtains zones through
// AllocateZone.
package zbd
