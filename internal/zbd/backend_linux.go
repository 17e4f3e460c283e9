//go:build linux

package zbd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// blkzoned ioctl requests. Stable kernel ABI, linux/blkzoned.h.
const (
	blkReportZone = 0xc0101282
	blkResetZone  = 0x40101283
	blkCloseZone  = 0x40101287
	blkFinishZone = 0x40101288
)

const (
	sectorShift = 9

	// blkZoneRepCapacity flags the report as carrying per-zone capacity.
	blkZoneRepCapacity = 1 << 0
)

// blkZone mirrors struct blk_zone. All positions are in 512-byte sectors.
type blkZone struct {
	Start    uint64
	Len      uint64
	WP       uint64
	Type     uint8
	Cond     uint8
	NonSeq   uint8
	Reset    uint8
	_        [4]uint8
	Capacity uint64
	_        [24]uint8
}

// blkZoneReport mirrors struct blk_zone_report, followed in memory by
// NrZones blkZone entries.
type blkZoneReport struct {
	Sector  uint64
	NrZones uint32
	Flags   uint32
}

type blkZoneRange struct {
	Sector    uint64
	NrSectors uint64
}

// linuxBackend drives a real host-managed device through three descriptors:
// a buffered read fd, an O_DIRECT read fd for the cleaner's fallback path,
// and an O_DIRECT write fd (absent in read-only mode).
type linuxBackend struct {
	path       string
	readFile   *os.File
	directFile *os.File
	writeFile  *os.File
	info       DeviceInfo
}

// OpenBlockDevice opens the zoned block device at path. Device geometry and
// limits come from sysfs, matching what the kernel's zoned queue exposes.
func OpenBlockDevice(path string, readOnly bool) (Backend, error) {
	info, err := probeSysfs(path)
	if err != nil {
		return nil, err
	}

	b := &linuxBackend{path: path, info: info}

	if b.readFile, err = os.Open(path); err != nil {
		return nil, fmt.Errorf("failed to open zoned block device: %w (%v)", ErrInvalidArgument, err)
	}
	if b.directFile, err = directio.OpenFile(path, os.O_RDONLY, 0); err != nil {
		b.readFile.Close()
		return nil, fmt.Errorf("failed to open zoned block device: %w (%v)", ErrInvalidArgument, err)
	}
	if !readOnly {
		if b.writeFile, err = directio.OpenFile(path, os.O_WRONLY, 0); err != nil {
			b.readFile.Close()
			b.directFile.Close()
			return nil, fmt.Errorf("failed to open zoned block device: %w (%v)", ErrInvalidArgument, err)
		}
	}
	return b, nil
}

func probeSysfs(path string) (DeviceInfo, error) {
	var info DeviceInfo
	name := filepath.Base(path)
	queue := filepath.Join("/sys/block", name, "queue")

	model, err := sysfsString(filepath.Join(queue, "zoned"))
	if err != nil {
		return info, fmt.Errorf("failed to probe zone model of %s: %w (%v)", name, ErrInvalidArgument, err)
	}
	switch model {
	case "host-managed":
		info.Model = ModelHostManaged
	case "host-aware":
		info.Model = ModelHostAware
	default:
		info.Model = ModelNone
	}

	chunkSectors, err := sysfsUint(filepath.Join(queue, "chunk_sectors"))
	if err != nil {
		return info, fmt.Errorf("failed to probe zone size of %s: %w (%v)", name, ErrInvalidArgument, err)
	}
	info.ZoneSize = chunkSectors << sectorShift

	nrZones, err := sysfsUint(filepath.Join(queue, "nr_zones"))
	if err != nil {
		return info, fmt.Errorf("failed to probe zone count of %s: %w (%v)", name, ErrInvalidArgument, err)
	}
	info.NrZones = uint32(nrZones)

	blockSize, err := sysfsUint(filepath.Join(queue, "physical_block_size"))
	if err != nil {
		return info, fmt.Errorf("failed to probe block size of %s: %w (%v)", name, ErrInvalidArgument, err)
	}
	info.BlockSize = blockSize

	// Absent limit files mean the device does not restrict open/active
	// zones; report zero and let the inventory treat it as unlimited.
	if v, err := sysfsUint(filepath.Join(queue, "max_open_zones")); err == nil {
		info.MaxOpenZones = uint32(v)
	}
	if v, err := sysfsUint(filepath.Join(queue, "max_active_zones")); err == nil {
		info.MaxActiveZones = uint32(v)
	}
	return info, nil
}

func sysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func sysfsUint(path string) (uint64, error) {
	s, err := sysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func (b *linuxBackend) Info() DeviceInfo { return b.info }

func (b *linuxBackend) ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *linuxBackend) ReportZones(start, length uint64) ([]ZoneRecord, error) {
	nr := uint32((length + b.info.ZoneSize - 1) / b.info.ZoneSize)
	if nr == 0 {
		return nil, nil
	}

	hdrSize := unsafe.Sizeof(blkZoneReport{})
	zoneSize := unsafe.Sizeof(blkZone{})
	buf := make([]byte, hdrSize+uintptr(nr)*zoneSize)

	hdr := (*blkZoneReport)(unsafe.Pointer(&buf[0]))
	hdr.Sector = start >> sectorShift
	hdr.NrZones = nr

	if err := b.ioctl(b.readFile.Fd(), blkReportZone, unsafe.Pointer(&buf[0])); err != nil {
		return nil, fmt.Errorf("zone report failed: %w (%v)", ErrIO, err)
	}

	recs := make([]ZoneRecord, 0, hdr.NrZones)
	for i := uintptr(0); i < uintptr(hdr.NrZones); i++ {
		z := (*blkZone)(unsafe.Pointer(&buf[hdrSize+i*zoneSize]))
		capacity := z.Len
		if hdr.Flags&blkZoneRepCapacity != 0 {
			capacity = z.Capacity
		}
		recs = append(recs, ZoneRecord{
			Start:    z.Start << sectorShift,
			Length:   z.Len << sectorShift,
			WP:       z.WP << sectorShift,
			Capacity: capacity << sectorShift,
			Type:     ZoneType(z.Type),
			Cond:     ZoneCond(z.Cond),
		})
	}
	return recs, nil
}

func (b *linuxBackend) zoneOp(req uintptr, opName string, start, length uint64) error {
	rng := blkZoneRange{
		Sector:    start >> sectorShift,
		NrSectors: length >> sectorShift,
	}
	fd := b.readFile
	if b.writeFile != nil {
		fd = b.writeFile
	}
	if err := b.ioctl(fd.Fd(), req, unsafe.Pointer(&rng)); err != nil {
		return fmt.Errorf("zone %s failed: %w (%v)", opName, ErrIO, err)
	}
	return nil
}

func (b *linuxBackend) ResetZones(start, length uint64) error {
	return b.zoneOp(blkResetZone, "reset", start, length)
}

func (b *linuxBackend) FinishZones(start, length uint64) error {
	return b.zoneOp(blkFinishZone, "finish", start, length)
}

func (b *linuxBackend) CloseZones(start, length uint64) error {
	return b.zoneOp(blkCloseZone, "close", start, length)
}

func (b *linuxBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.readFile.ReadAt(p, off)
}

func (b *linuxBackend) ReadAtDirect(p []byte, off int64) (int, error) {
	return b.directFile.ReadAt(p, off)
}

func (b *linuxBackend) WriteAt(p []byte, off int64) (int, error) {
	if b.writeFile == nil {
		return 0, fmt.Errorf("device opened read-only: %w", ErrInvalidArgument)
	}
	return b.writeFile.WriteAt(p, off)
}

func (b *linuxBackend) Close() error {
	var result *multierror.Error
	for _, f := range []*os.File{b.readFile, b.directFile, b.writeFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

var _ Backend = (*linuxBackend)(nil)
