package zbd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapAllocation(t *testing.T) {
	d, _ := newTestDevice(t, 64)
	newTestOracle(d, 3)

	z, err := d.AllocateZone(LifetimeMedium, ikey(10), ikey(20), 0)
	require.NoError(t, err)
	require.NotNil(t, z)

	assert.True(t, z.openForWrite)
	assert.True(t, z.IsEmpty())
	assert.Contains(t, d.ioZones, z)
	assert.Equal(t, LifetimeMedium, z.lifetime)
	assert.Equal(t, int64(1), d.activeIOZones.Load())
	assert.Equal(t, int64(1), d.openIOZones.Load())

	z.Release()
	assert.Equal(t, int64(0), d.openIOZones.Load())
}

func TestOverlapWeightedPlacement(t *testing.T) {
	d, _ := newTestDevice(t, 64)
	oracle := newTestOracle(d, 3)

	z1, z2 := d.ioZones[0], d.ioZones[1]

	f1 := testFile(1, 2, 10, 20, LifetimeMedium)
	f2 := testFile(2, 2, 30, 40, LifetimeMedium)
	d.RegisterFile(f1)
	d.RegisterFile(f2)
	writeExtent(t, d, f1, z1, 2)
	writeExtent(t, d, f2, z2, 2)
	oracle.add(2, 1)
	oracle.add(2, 2)
	syncActiveCount(d)

	// [12,18] is inside f1's range and disjoint from f2's.
	z, err := d.AllocateZone(LifetimeMedium, ikey(12), ikey(18), 1)
	require.NoError(t, err)
	require.Same(t, z1, z)
	z.Release()
}

func TestOverlapPicksLeastInvalidZone(t *testing.T) {
	d, _ := newTestDevice(t, 64)
	oracle := newTestOracle(d, 3)

	z1, z2 := d.ioZones[0], d.ioZones[1]

	// Both files overlap the caller's range, but z1 carries dead data, so
	// the later, cleaner zone wins.
	f1 := testFile(1, 2, 10, 30, LifetimeMedium)
	f2 := testFile(2, 2, 28, 90, LifetimeMedium)
	d.RegisterFile(f1)
	d.RegisterFile(f2)
	writeExtent(t, d, f1, z1, 2)
	junk := testFile(3, 2, 100, 110, LifetimeShort)
	d.RegisterFile(junk)
	writeExtent(t, d, junk, z1, 4)
	d.DeregisterFile(junk.fno)
	writeExtent(t, d, f2, z2, 2)
	oracle.add(2, 1)
	oracle.add(2, 2)
	syncActiveCount(d)

	z, err := d.AllocateZone(LifetimeMedium, ikey(10), ikey(30), 1)
	require.NoError(t, err)
	require.Same(t, z2, z)
	z.Release()
}

func TestL0AffinityPlacement(t *testing.T) {
	d, _ := newTestDevice(t, 64)
	oracle := newTestOracle(d, 3)

	// Four L0 files in four zones with ascending disjoint ranges; the
	// second file's zone holds the most L0 data.
	ranges := [][2]uint64{{10, 19}, {20, 28}, {32, 40}, {42, 50}}
	blocks := []int{2, 6, 2, 2}
	for i, r := range ranges {
		f := testFile(uint64(i+1), 0, r[0], r[1], LifetimeShort)
		d.RegisterFile(f)
		writeExtent(t, d, f, d.ioZones[2+i], blocks[i])
		oracle.add(0, uint64(i+1))
	}
	syncActiveCount(d)

	// [29,31] overlaps no file, so an L0 writer clusters with the zone
	// holding the most live L0 bytes.
	z, err := d.AllocateZone(LifetimeShort, ikey(29), ikey(31), 0)
	require.NoError(t, err)
	require.Same(t, d.ioZones[3], z)
	z.Release()
}

func TestSameLevelBracketPlacement(t *testing.T) {
	backend := NewMemBackend(64, testZoneSize, testBlockSize)
	backend.MaxActive = 5 // four I/O slots after the meta reservation
	d := openTestDevice(t, backend)
	oracle := newTestOracle(d, 3)

	ranges := [][2]uint64{{10, 19}, {20, 28}, {32, 40}, {42, 50}}
	zones := make([]*Zone, len(ranges))
	for i, r := range ranges {
		f := testFile(uint64(i+1), 2, r[0], r[1], LifetimeMedium)
		d.RegisterFile(f)
		zones[i] = d.ioZones[i]
		writeExtent(t, d, f, zones[i], 2)
		oracle.add(2, uint64(i+1))
	}
	syncActiveCount(d)
	require.Equal(t, d.maxActiveIOZones, d.activeIOZones.Load())

	// A file keyed between the second and third neighbours lands in one of
	// their zones, not an extremal one.
	z, err := d.AllocateZone(LifetimeMedium, ikey(29), ikey(31), 2)
	require.NoError(t, err)
	require.Same(t, zones[1], z)
	z.Release()

	// Caller holding the smallest keys of the level scans head-forward.
	z, err = d.AllocateZone(LifetimeMedium, ikey(1), ikey(5), 2)
	require.NoError(t, err)
	require.Same(t, zones[0], z)
	z.Release()

	// Caller holding the largest keys scans tail-backward.
	z, err = d.AllocateZone(LifetimeMedium, ikey(60), ikey(70), 2)
	require.NoError(t, err)
	require.Same(t, zones[3], z)
	z.Release()
}

func TestLifetimeFitFallback(t *testing.T) {
	backend := NewMemBackend(64, testZoneSize, testBlockSize)
	backend.MaxActive = 3
	d := openTestDevice(t, backend)
	// No oracle attached: placement has only the empty-zone and
	// lifetime-fit paths.

	long := testFile(1, 2, 10, 20, LifetimeLong)
	med := testFile(2, 2, 30, 40, LifetimeMedium)
	d.RegisterFile(long)
	d.RegisterFile(med)
	writeExtent(t, d, long, d.ioZones[0], 2)
	writeExtent(t, d, med, d.ioZones[1], 2)
	d.ioZones[0].lifetime = LifetimeLong
	d.ioZones[1].lifetime = LifetimeMedium
	syncActiveCount(d)

	z, err := d.AllocateZone(LifetimeMedium, ikey(50), ikey(60), 2)
	require.NoError(t, err)
	require.Same(t, d.ioZones[1], z)
	z.Release()

	// A shorter-lived zone never hosts longer-lived data; the long zone
	// only wins when nothing matches better.
	z, err = d.AllocateZone(LifetimeShort, ikey(50), ikey(60), 2)
	require.NoError(t, err)
	require.Same(t, d.ioZones[1], z)
	z.Release()
}

func TestAllocateBlocksAtOpenLimit(t *testing.T) {
	backend := NewMemBackend(64, testZoneSize, testBlockSize)
	backend.MaxOpen = 2 // one I/O slot after the meta reservation
	d := openTestDevice(t, backend)
	newTestOracle(d, 3)

	z1, err := d.AllocateZone(LifetimeMedium, ikey(10), ikey(20), 0)
	require.NoError(t, err)
	require.NotNil(t, z1)

	got := make(chan *Zone)
	go func() {
		z2, err := d.AllocateZone(LifetimeMedium, ikey(30), ikey(40), 0)
		assert.NoError(t, err)
		got <- z2
	}()

	select {
	case <-got:
		t.Fatal("allocation proceeded past the open-zone limit")
	case <-time.After(50 * time.Millisecond):
	}

	z1.Release()

	select {
	case z2 := <-got:
		require.NotNil(t, z2)
		assert.True(t, z2.openForWrite)
		z2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("allocation did not resume after a slot freed up")
	}
}

func TestProactiveCleaningReclaimsSpace(t *testing.T) {
	d, backend := newTestDevice(t, 64)
	newTestOracle(d, 3)

	// Fill 39 of the 50 I/O zones completely, each 70% live and 30% dead,
	// leaving a 22% free ratio.
	const fullZones = 39
	liveFiles := make([]*ZoneFile, 0, fullZones)
	for i := 0; i < fullZones; i++ {
		z := d.ioZones[i]
		live := testFile(uint64(100+i), 2, uint64(1000*i), uint64(1000*i+500), LifetimeMedium)
		d.RegisterFile(live)
		writeExtent(t, d, live, z, 180)
		liveFiles = append(liveFiles, live)

		junk := testFile(uint64(10000+i), 2, uint64(1000*i+600), uint64(1000*i+900), LifetimeShort)
		d.RegisterFile(junk)
		writeExtent(t, d, junk, z, 76)
		d.DeregisterFile(junk.fno)
		require.True(t, z.IsFull())
	}
	syncActiveCount(d)

	freeBefore := d.GetFreeSpace()
	ratioBefore := float64(freeBefore) / float64(uint64(len(d.ioZones))*testZoneSize)
	require.LessOrEqual(t, ratioBefore, 0.25)
	require.Greater(t, ratioBefore, 0.20)
	resetsBefore := backend.ResetCount()

	z, err := d.AllocateZone(LifetimeMedium, ikey(1), ikey(2), 2)
	require.NoError(t, err)
	require.NotNil(t, z)
	z.Release()

	// At a >20% free ratio the batch is a tenth of the I/O zones.
	assert.GreaterOrEqual(t, backend.ResetCount()-resetsBefore, len(d.ioZones)/10)

	ratioAfter := float64(d.GetFreeSpace()) / float64(uint64(len(d.ioZones))*testZoneSize)
	assert.Greater(t, ratioAfter, ratioBefore)

	// Relocation never loses a live file's extents.
	for _, f := range liveFiles {
		assert.NotEmpty(t, f.Extents())
	}
}
