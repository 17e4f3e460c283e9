package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	UsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonedb_used_bytes",
		Help: "Bytes referenced by valid extents across I/O zones",
	})
	ReclaimableBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonedb_reclaimable_bytes",
		Help: "Capacity not referenced by valid extents in I/O zones holding live data",
	})
	FreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonedb_free_bytes",
		Help: "Unwritten capacity across I/O zones",
	})
	ActiveIOZones = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonedb_active_io_zones",
		Help: "Zones counted against the device active-zone limit",
	})
	OpenIOZones = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonedb_open_io_zones",
		Help: "Zones currently held open for write",
	})
	ZoneResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonedb_zone_resets_total",
		Help: "Total zone reset commands issued",
	})
	ZoneCleaningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonedb_zone_cleanings_total",
		Help: "Total zone cleaning passes",
	})
	GCCopiedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonedb_gc_copied_bytes_total",
		Help: "Bytes relocated out of victim zones by the cleaner",
	})
)

func Init() {
	prometheus.MustRegister(
		UsedBytes,
		ReclaimableBytes,
		FreeBytes,
		ActiveIOZones,
		OpenIOZones,
		ZoneResetsTotal,
		ZoneCleaningsTotal,
		GCCopiedBytesTotal,
	)
}
