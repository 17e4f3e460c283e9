package zbd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zonedb/internal/base"
	"zonedb/internal/compare"
)

const (
	testZoneSize  = 1 << 20
	testBlockSize = 4096
)

func openTestDevice(t *testing.T, backend *MemBackend) *Device {
	t.Helper()
	d, err := Open(backend, DefaultOptions(), zap.NewNop())
	require.NoError(t, err)
	return d
}

func newTestDevice(t *testing.T, nrZones uint32) (*Device, *MemBackend) {
	t.Helper()
	backend := NewMemBackend(nrZones, testZoneSize, testBlockSize)
	return openTestDevice(t, backend), backend
}

// ikey builds an internal key whose user key is the big-endian encoding of
// v, so key order follows integer order.
func ikey(v uint64) base.InternalKey {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return base.MakeInternalKey(buf[:], 1, base.InternalKeyKindSet)
}

func testFile(fno uint64, level int, lo, hi uint64, lifetime LifetimeHint) *ZoneFile {
	return NewZoneFile(fno, fmt.Sprintf("%06d.sst", fno), ikey(lo), ikey(hi), level, lifetime)
}

// fileData is the recognizable payload pattern for a file number.
func fileData(fno uint64, size int) []byte {
	return bytes.Repeat([]byte{byte(fno)}, size)
}

// writeExtent appends nBlocks of the file's pattern to z and publishes the
// extent, the way the engine's append path would.
func writeExtent(t *testing.T, d *Device, f *ZoneFile, z *Zone, nBlocks int) *Extent {
	t.Helper()
	size := nBlocks * testBlockSize
	start := z.wp
	require.NoError(t, z.Append(fileData(f.fno, size)))
	return d.PublishExtent(f, z, start, uint64(size))
}

// syncActiveCount aligns the active counter with the zone states the test
// fabricated by writing directly, which bypasses the allocator's
// accounting.
func syncActiveCount(d *Device) {
	var n int64
	for _, z := range d.ioZones {
		if !z.IsEmpty() && !z.IsFull() {
			n++
		}
	}
	d.activeIOZones.Store(n)
}

// testOracle serves placement queries from the device's own file registry,
// with per-level file lists in ascending key order.
type testOracle struct {
	d      *Device
	levels [][]uint64
}

func newTestOracle(d *Device, numLevels int) *testOracle {
	o := &testOracle{d: d, levels: make([][]uint64, numLevels)}
	d.SetOracle(o)
	return o
}

func (o *testOracle) add(level int, fno uint64) {
	o.levels[level] = append(o.levels[level], fno)
}

func (o *testOracle) SameLevelFileList(level int) []uint64 {
	if level < 0 || level >= len(o.levels) {
		return nil
	}
	return append([]uint64(nil), o.levels[level]...)
}

func (o *testOracle) overlapping(smallest, largest base.InternalKey, level int) []uint64 {
	var out []uint64
	for _, fno := range o.levels[level] {
		f := o.d.lookupFile(fno)
		if f == nil {
			continue
		}
		if compare.User(f.largest, smallest) < 0 || compare.User(f.smallest, largest) > 0 {
			continue
		}
		out = append(out, fno)
	}
	return out
}

func (o *testOracle) AdjacentFileList(smallest, largest base.InternalKey, level int) []uint64 {
	if level+1 >= len(o.levels) {
		return nil
	}
	return o.overlapping(smallest, largest, level+1)
}

func (o *testOracle) AllOverlappingFiles(smallest, largest base.InternalKey) []uint64 {
	var out []uint64
	for level := range o.levels {
		out = append(out, o.overlapping(smallest, largest, level)...)
	}
	return out
}

func (o *testOracle) Levels() int { return len(o.levels) }
