package zbd

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueOf builds a victim queue over the given zones the way the allocator
// would, keyed on their current invalid bytes.
func queueOf(zones ...*Zone) *victimQueue {
	q := &victimQueue{}
	for _, z := range zones {
		*q = append(*q, &gcVictim{zone: z, invalidBytes: z.invalidBytes()})
	}
	heap.Init(q)
	return q
}

// dirtyZone fills z with a valid extent of liveBlocks for f plus
// invalidBlocks of dead data from a throwaway file.
func dirtyZone(t *testing.T, d *Device, f *ZoneFile, z *Zone, liveBlocks, invalidBlocks int) {
	t.Helper()
	writeExtent(t, d, f, z, liveBlocks)
	junk := testFile(90000+uint64(z.id), f.level, 0, 1, LifetimeShort)
	d.RegisterFile(junk)
	writeExtent(t, d, junk, z, invalidBlocks)
	d.DeregisterFile(junk.fno)
}

func TestCleaningTopUpPromotesReservedZone(t *testing.T) {
	d, _ := newTestDevice(t, 64)

	ioBefore := len(d.ioZones)
	reservedBefore := len(d.reservedZones)
	promoted := d.reservedZones[0]

	require.NoError(t, d.zoneCleaning(0, &victimQueue{}))

	assert.Len(t, d.ioZones, ioBefore+1)
	assert.Len(t, d.reservedZones, reservedBefore-1)
	assert.Contains(t, d.ioZones, promoted)
}

func TestCleaningRelocatesAndResetsVictim(t *testing.T) {
	d, _ := newTestDevice(t, 64)

	victim := d.ioZones[0]
	f := testFile(1, 2, 10, 20, LifetimeMedium)
	d.RegisterFile(f)
	dirtyZone(t, d, f, victim, 150, 106)
	require.True(t, victim.IsFull())
	syncActiveCount(d)

	validBefore := uint64(150 * testBlockSize)
	require.Equal(t, validBefore, victim.validBytes())

	require.NoError(t, d.zoneCleaning(1, queueOf(victim)))

	// The victim is empty and its live extent lives elsewhere, intact.
	assert.True(t, victim.IsEmpty())
	assert.Zero(t, victim.usedCapacity.Load())

	exts := f.Extents()
	require.Len(t, exts, 1)
	assert.NotEqual(t, victim.id, exts[0].ZoneID)
	assert.Equal(t, validBefore, exts[0].Length)

	got := make([]byte, exts[0].Length)
	_, err := d.backend.ReadAt(got, int64(exts[0].Start))
	require.NoError(t, err)
	assert.Equal(t, fileData(f.fno, len(got)), got)

	d.sstZoneMu.Lock()
	assert.Equal(t, []uint32{exts[0].ZoneID}, d.sstToZones[f.fno])
	d.sstZoneMu.Unlock()

	// The reserved pool is back at its target size, all empty.
	assert.Len(t, d.reservedZones, ReservedZones)
	for _, z := range d.reservedZones {
		assert.True(t, z.IsEmpty())
		assert.False(t, z.openForWrite)
	}
}

func TestCleaningSplitsExtentAcrossDestinations(t *testing.T) {
	d, _ := newTestDevice(t, 64)

	// Victim A is drained first (more invalid data) and part-fills the
	// first reserved zone; victim B's extent then has to split across it
	// and the next one.
	victimA, victimB := d.ioZones[0], d.ioZones[1]
	f1 := testFile(1, 2, 10, 20, LifetimeMedium)
	f2 := testFile(2, 2, 30, 40, LifetimeMedium)
	d.RegisterFile(f1)
	d.RegisterFile(f2)
	dirtyZone(t, d, f1, victimA, 150, 106)
	dirtyZone(t, d, f2, victimB, 150, 90)
	require.True(t, victimA.IsFull())
	syncActiveCount(d)

	firstDest := d.reservedZones[0]
	secondDest := d.reservedZones[1]

	require.NoError(t, d.zoneCleaning(2, queueOf(victimA, victimB)))

	// f1 fit whole; f2 split into a 106-block and a 44-block extent.
	exts1 := f2.Extents()
	require.Len(t, exts1, 2)
	assert.Equal(t, firstDest.id, exts1[0].ZoneID)
	assert.Equal(t, uint64(106*testBlockSize), exts1[0].Length)
	assert.Equal(t, secondDest.id, exts1[1].ZoneID)
	assert.Equal(t, uint64(44*testBlockSize), exts1[1].Length)

	// The filled destination was finished and promoted into the I/O pool.
	assert.True(t, firstDest.IsFull())
	assert.Contains(t, d.ioZones, firstDest)
	assert.NotContains(t, d.reservedZones, firstDest)

	// The file's zone set names both destinations and not the victim.
	d.sstZoneMu.Lock()
	ids := append([]uint32(nil), d.sstToZones[f2.fno]...)
	d.sstZoneMu.Unlock()
	assert.ElementsMatch(t, []uint32{firstDest.id, secondDest.id}, ids)
	assert.NotContains(t, ids, victimB.id)

	// Round trip: the split payload reads back byte-identical.
	for _, ext := range exts1 {
		got := make([]byte, ext.Length)
		_, err := d.backend.ReadAt(got, int64(ext.Start))
		require.NoError(t, err)
		assert.Equal(t, fileData(f2.fno, len(got)), got)
	}

	assert.True(t, victimA.IsEmpty())
	assert.True(t, victimB.IsEmpty())
	assert.Len(t, d.reservedZones, ReservedZones)
}

func TestCleaningPreservesValidBytes(t *testing.T) {
	d, _ := newTestDevice(t, 64)

	files := make([]*ZoneFile, 0, 4)
	victims := make([]*Zone, 0, 4)
	for i := 0; i < 4; i++ {
		f := testFile(uint64(i+1), 2, uint64(100*i), uint64(100*i+50), LifetimeMedium)
		d.RegisterFile(f)
		z := d.ioZones[i]
		dirtyZone(t, d, f, z, 120+10*i, 60)
		files = append(files, f)
		victims = append(victims, z)
	}
	syncActiveCount(d)

	var validBefore, invalidBefore uint64
	for _, z := range d.ioZones {
		validBefore += z.validBytes()
		invalidBefore += z.invalidBytes()
	}

	require.NoError(t, d.zoneCleaning(4, queueOf(victims...)))

	var validAfter, invalidAfter uint64
	for _, pool := range [][]*Zone{d.ioZones, d.reservedZones} {
		for _, z := range pool {
			validAfter += z.validBytes()
			invalidAfter += z.invalidBytes()
		}
	}
	assert.Equal(t, validBefore, validAfter)
	assert.Less(t, invalidAfter, invalidBefore)

	// The file→zones index and the zone extent lists agree both ways.
	d.sstZoneMu.Lock()
	defer d.sstZoneMu.Unlock()
	for _, f := range files {
		for _, id := range d.sstToZones[f.fno] {
			z := d.lookupZone(id)
			require.NotNil(t, z)
			found := false
			for _, info := range z.extents {
				if info.file == f {
					found = true
					break
				}
			}
			assert.True(t, found, "zone %d listed for file %d holds none of its extents", id, f.fno)
		}
	}
	for _, pool := range [][]*Zone{d.ioZones, d.reservedZones} {
		for _, z := range pool {
			for _, info := range z.extents {
				if !info.valid || !info.file.isSST {
					continue
				}
				if d.lookupFile(info.file.fno) == nil {
					continue
				}
				assert.Contains(t, d.sstToZones[info.file.fno], z.id)
			}
		}
	}
}

func TestReservedPoolDrainAndRefill(t *testing.T) {
	d, _ := newTestDevice(t, 64)

	victims := make([]*Zone, 0, 12)
	for i := 0; i < 12; i++ {
		f := testFile(uint64(i+1), 2, uint64(100*i), uint64(100*i+50), LifetimeMedium)
		d.RegisterFile(f)
		z := d.ioZones[i]
		dirtyZone(t, d, f, z, 150, 106)
		victims = append(victims, z)
	}
	syncActiveCount(d)

	require.NoError(t, d.zoneCleaning(ReservedZones, queueOf(victims...)))

	// The pass churned through the reserved pool; the rebalance restored
	// it to exactly the target, from empty non-open zones.
	require.Len(t, d.reservedZones, ReservedZones)
	for _, z := range d.reservedZones {
		assert.True(t, z.IsEmpty())
		assert.False(t, z.openForWrite)
		assert.Zero(t, z.usedCapacity.Load())
	}
	assert.Zero(t, d.openIOZones.Load())
}

func TestAllocateZoneForCleaningExhaustion(t *testing.T) {
	d, _ := newTestDevice(t, 64)

	d.reservedZones = nil
	_, err := d.AllocateZoneForCleaning()
	assert.ErrorIs(t, err, ErrReservedExhausted)
}

func TestAllocateZoneForCleaningDrawsFromReserved(t *testing.T) {
	d, _ := newTestDevice(t, 64)

	head := d.reservedZones[0]
	z, err := d.AllocateZoneForCleaning()
	require.NoError(t, err)
	require.Same(t, head, z)
	assert.True(t, z.openForWrite)
	assert.Equal(t, int64(1), d.openIOZones.Load())
	assert.Equal(t, int64(1), d.activeIOZones.Load())
	assert.NotContains(t, d.ioZones, z)
}
