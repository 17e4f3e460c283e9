package zbd

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"zonedb/internal/config"
	"zonedb/internal/log"
	"zonedb/internal/metrics"
)

const (
	// MetaZones is the number of zones reserved for the metadata log: two
	// to safely roll the log, one spare for an offline transition.
	MetaZones = 3

	// MinZones is the smallest device the zone manager accepts.
	MinZones = 32

	// ReservedZones is the target size of the cleaner's reserved pool. One
	// extra zone is claimed at open so the pool survives a single offline
	// zone.
	ReservedZones = 10
)

const megabyte = 1 << 20

// Options tunes a Device. The zero value is not useful; use DefaultOptions
// or OptionsFromConfig.
type Options struct {
	ReadOnly bool
	// FinishThresholdPct: a non-open zone whose remaining capacity falls
	// under this percentage of its max is finished during housekeeping.
	FinishThresholdPct uint64
	// ProactiveCleaning runs the free-ratio-triggered cleaning pass inside
	// AllocateZone. Reactive cleaning is always on.
	ProactiveCleaning bool
}

func DefaultOptions() Options {
	return Options{
		FinishThresholdPct: 25,
		ProactiveCleaning:  true,
	}
}

func OptionsFromConfig(cfg config.DeviceConfig) Options {
	return Options{
		ReadOnly:           cfg.ReadOnly,
		FinishThresholdPct: cfg.FinishThresholdPct,
		ProactiveCleaning:  cfg.ProactiveCleaning,
	}
}

// Device is the inventory of a host-managed zoned block device: the three
// zone pools, the id→zone and file→zones indexes, and the open/active
// accounting every writer and the cleaner go through. It is the single
// handle threaded through the whole API.
type Device struct {
	backend Backend
	logger  *zap.Logger
	opts    Options

	blockSize uint64
	zoneSize  uint64
	nrZones   uint32

	maxOpenIOZones   int64
	maxActiveIOZones int64

	// mu is the io-zones mutex: held across the full placement cascade,
	// ResetUnusedIOZones, and stats scans. cleaningMu is held only by the
	// cleaner; the allocator enters the cleaner with mu already held, and
	// the cleaner never takes mu, so the order is mu then cleaningMu.
	mu         sync.Mutex
	cleaningMu sync.Mutex

	// activeIOZones and openIOZones are read without the lock, but every
	// transition is published under zoneResourcesMu so the condition
	// variable's predicate is stable.
	zoneResourcesMu sync.Mutex
	zoneResources   *sync.Cond
	activeIOZones   atomic.Int64
	openIOZones     atomic.Int64

	metaZones     []*Zone
	reservedZones []*Zone
	ioZones       []*Zone
	idToZone      map[uint32]*Zone

	sstZoneMu  sync.Mutex
	sstToZones map[uint64][]uint32

	filesMu sync.Mutex
	files   map[uint64]*ZoneFile

	oracle LsmOracle

	startTime time.Time
}

// Open builds the inventory from a zone report. The first MetaZones usable
// sequential-write-required zones become the metadata pool, the next
// ReservedZones+1 the cleaner's reserved pool, and the remainder the I/O
// pool. Sequential-write-preferred and conventional zones are ignored, as
// are offline zones.
func Open(backend Backend, opts Options, logger *zap.Logger) (*Device, error) {
	info := backend.Info()

	if info.Model != ModelHostManaged {
		return nil, fmt.Errorf("not a host-managed block device: %w", ErrNotSupported)
	}
	if info.NrZones < MinZones {
		return nil, fmt.Errorf("too few zones (%d < %d): %w", info.NrZones, MinZones, ErrNotSupported)
	}

	d := &Device{
		backend:    backend,
		logger:     logger,
		opts:       opts,
		blockSize:  info.BlockSize,
		zoneSize:   info.ZoneSize,
		nrZones:    info.NrZones,
		idToZone:   make(map[uint32]*Zone),
		sstToZones: make(map[uint64][]uint32),
		files:      make(map[uint64]*ZoneFile),
		startTime:  time.Now(),
	}
	d.zoneResources = sync.NewCond(&d.zoneResourcesMu)

	// One active and one open slot are held back for the metadata log.
	if info.MaxActiveZones == 0 {
		d.maxActiveIOZones = int64(info.NrZones)
	} else {
		d.maxActiveIOZones = int64(info.MaxActiveZones) - 1
	}
	if info.MaxOpenZones == 0 {
		d.maxOpenIOZones = int64(info.NrZones)
	} else {
		d.maxOpenIOZones = int64(info.MaxOpenZones) - 1
	}

	logger.Info("Opened zoned block device",
		zap.Uint32("nr_zones", info.NrZones),
		zap.Uint64("zone_size", info.ZoneSize),
		zap.Uint64("block_size", info.BlockSize),
		zap.Uint32("max_active", info.MaxActiveZones),
		zap.Uint32("max_open", info.MaxOpenZones),
	)

	report, err := backend.ReportZones(0, uint64(info.NrZones)*info.ZoneSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w (%v)", ErrIO, err)
	}
	if uint32(len(report)) != info.NrZones {
		return nil, fmt.Errorf("zone report returned %d of %d zones: %w", len(report), info.NrZones, ErrIO)
	}

	var zoneID uint32
	i := 0

	for m := 0; m < MetaZones && i < len(report); {
		rec := report[i]
		i++
		if rec.Type != ZoneTypeSeqWriteRequired {
			continue
		}
		if !rec.IsOffline() {
			z := newZone(d, rec, zoneID)
			d.metaZones = append(d.metaZones, z)
			d.idToZone[zoneID] = z
			zoneID++
		}
		m++
	}

	for r := 0; r <= ReservedZones && i < len(report); {
		rec := report[i]
		i++
		if rec.Type != ZoneTypeSeqWriteRequired {
			continue
		}
		if !rec.IsOffline() {
			z := newZone(d, rec, zoneID)
			d.reservedZones = append(d.reservedZones, z)
			d.idToZone[zoneID] = z
			zoneID++
		}
		r++
	}

	for ; i < len(report); i++ {
		rec := report[i]
		if rec.Type != ZoneTypeSeqWriteRequired || rec.IsOffline() {
			continue
		}
		z := newZone(d, rec, zoneID)
		d.ioZones = append(d.ioZones, z)
		d.idToZone[zoneID] = z
		zoneID++

		if rec.IsOpen() || rec.Cond == ZoneCondClosed {
			d.activeIOZones.Add(1)
			if rec.IsOpen() && !opts.ReadOnly {
				if err := z.Close(); err != nil {
					logger.Warn("Failed closing boot-open zone", zap.Uint32("zone", z.id), zap.Error(err))
				}
			}
		}
	}

	return d, nil
}

// OpenConfigured is the config-file entry point: it builds the rotating
// process logger and opens the device named by the config on the linux
// backend.
func OpenConfigured(cfg *config.Config) (*Device, error) {
	logger, err := log.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	backend, err := OpenBlockDevice(cfg.Device.Path, cfg.Device.ReadOnly)
	if err != nil {
		return nil, err
	}
	dev, err := Open(backend, OptionsFromConfig(cfg.Device), logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return dev, nil
}

// Logger exposes the device's logger so the embedding engine can share it.
func (d *Device) Logger() *zap.Logger { return d.logger }

func (d *Device) BlockSize() uint64 { return d.blockSize }

func (d *Device) ZoneSize() uint64 { return d.zoneSize }

func (d *Device) lookupZone(id uint32) *Zone { return d.idToZone[id] }

// GetIOZone returns the I/O zone containing the device offset, or nil.
func (d *Device) GetIOZone(offset uint64) *Zone {
	for _, z := range d.ioZones {
		if z.start <= offset && offset < z.start+d.zoneSize {
			return z
		}
	}
	return nil
}

// Close releases the device descriptors.
func (d *Device) Close() error {
	var result *multierror.Error
	if err := d.backend.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.logger.Sync(); err != nil {
		// Sync on a console logger fails with ENOTTY; not worth surfacing.
		d.logger.Debug("Logger sync failed on close", zap.Error(err))
	}
	return result.ErrorOrNil()
}

// NotifyIOZoneClosed publishes that a writer released an open slot.
func (d *Device) NotifyIOZoneClosed() {
	d.zoneResourcesMu.Lock()
	defer d.zoneResourcesMu.Unlock()
	d.openIOZones.Add(-1)
	metrics.OpenIOZones.Set(float64(d.openIOZones.Load()))
	d.zoneResources.Signal()
}

// NotifyIOZoneFull publishes that a zone stopped counting against the
// active limit.
func (d *Device) NotifyIOZoneFull() {
	d.zoneResourcesMu.Lock()
	defer d.zoneResourcesMu.Unlock()
	d.activeIOZones.Add(-1)
	metrics.ActiveIOZones.Set(float64(d.activeIOZones.Load()))
	d.zoneResources.Signal()
}

func (d *Device) incOpen() {
	d.zoneResourcesMu.Lock()
	defer d.zoneResourcesMu.Unlock()
	d.openIOZones.Add(1)
	metrics.OpenIOZones.Set(float64(d.openIOZones.Load()))
}

func (d *Device) incActive() {
	d.zoneResourcesMu.Lock()
	defer d.zoneResourcesMu.Unlock()
	d.activeIOZones.Add(1)
	metrics.ActiveIOZones.Set(float64(d.activeIOZones.Load()))
}

func (d *Device) decActive() {
	d.zoneResourcesMu.Lock()
	defer d.zoneResourcesMu.Unlock()
	d.activeIOZones.Add(-1)
	metrics.ActiveIOZones.Set(float64(d.activeIOZones.Load()))
	d.zoneResources.Signal()
}

// waitForOpenSlot blocks until the open-zone count is below the device
// limit. There is no deadline; writers release slots via
// NotifyIOZoneClosed, which never needs the io-zones lock.
func (d *Device) waitForOpenSlot() {
	d.zoneResourcesMu.Lock()
	defer d.zoneResourcesMu.Unlock()
	for d.openIOZones.Load() >= d.maxOpenIOZones {
		d.zoneResources.Wait()
	}
}

// GetTotalWritten sums wp−start across the I/O zones: the bytes appended
// since each zone's last reset.
func (d *Device) GetTotalWritten() uint64 {
	var total uint64
	for _, z := range d.ioZones {
		z.wpMu.Lock()
		total += z.wp - z.start
		z.wpMu.Unlock()
	}
	return total
}

// GetReclaimableSpace sums the dead bytes in full zones, the space a
// cleaning pass could win back.
func (d *Device) GetReclaimableSpace() uint64 {
	var reclaimable uint64
	for _, z := range d.ioZones {
		if z.IsFull() {
			reclaimable += z.maxCapacity - uint64(z.usedCapacity.Load())
		}
	}
	return reclaimable
}

func (d *Device) GetUsedSpace() uint64 {
	var used uint64
	for _, z := range d.ioZones {
		used += uint64(z.usedCapacity.Load())
	}
	return used
}

func (d *Device) GetFreeSpace() uint64 {
	var free uint64
	for _, z := range d.ioZones {
		free += z.capacity
	}
	return free
}

// LogZoneStats emits the periodic zone counters and mirrors them into the
// Prometheus gauges.
func (d *Device) LogZoneStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logZoneStatsLocked()
}

func (d *Device) logZoneStatsLocked() {
	var usedCapacity, reclaimableCapacity, reclaimablesMaxCapacity, active uint64

	for _, z := range d.ioZones {
		used := uint64(z.usedCapacity.Load())
		usedCapacity += used
		if used > 0 {
			reclaimableCapacity += z.maxCapacity - used
			reclaimablesMaxCapacity += z.maxCapacity
		}
		if !(z.IsFull() || z.IsEmpty()) {
			active++
		}
	}
	if reclaimablesMaxCapacity == 0 {
		reclaimablesMaxCapacity = 1
	}

	metrics.UsedBytes.Set(float64(usedCapacity))
	metrics.ReclaimableBytes.Set(float64(reclaimableCapacity))
	metrics.FreeBytes.Set(float64(d.GetFreeSpace()))

	d.logger.Info("Zone stats",
		zap.Int64("elapsed_s", int64(time.Since(d.startTime).Seconds())),
		zap.Uint64("used_MB", usedCapacity/megabyte),
		zap.Uint64("reclaimable_MB", reclaimableCapacity/megabyte),
		zap.Uint64("avg_reclaimable_pct", 100*reclaimableCapacity/reclaimablesMaxCapacity),
		zap.Uint64("active_zone_count", active),
		zap.Int64("active_io_zones", d.activeIOZones.Load()),
		zap.Int64("open_io_zones", d.openIOZones.Load()),
	)
}

// LogZoneUsage dumps per-zone used capacity at debug level.
func (d *Device) LogZoneUsage() {
	for _, z := range d.ioZones {
		used := z.usedCapacity.Load()
		if used > 0 {
			d.logger.Debug("Zone used capacity",
				zap.Uint64("start", z.start),
				zap.Int64("used", used),
				zap.Int64("used_MB", used/megabyte),
			)
		}
	}
}

// AllocateMetaZone hands out a metadata zone, resetting a non-empty unused
// one first. Meta zones never touch the I/O accounting.
func (d *Device) AllocateMetaZone() *Zone {
	for _, z := range d.metaZones {
		if !z.IsUsed() {
			if !z.IsEmpty() {
				if err := z.Reset(); err != nil {
					d.logger.Warn("Failed resetting meta zone", zap.Uint32("zone", z.id), zap.Error(err))
					continue
				}
			}
			return z
		}
	}
	return nil
}

// ResetUnusedIOZones resets every zone whose extents are all invalid,
// returning their capacity to the free pool.
func (d *Device) ResetUnusedIOZones() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, z := range d.ioZones {
		if !z.IsUsed() && !z.IsEmpty() {
			wasFull := z.IsFull()
			if err := z.Reset(); err != nil {
				d.logger.Warn("Failed resetting zone", zap.Uint32("zone", z.id), zap.Error(err))
				continue
			}
			if !wasFull {
				d.decActive()
			}
		}
	}
}
