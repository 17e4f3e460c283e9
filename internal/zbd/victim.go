package zbd

import (
	"container/heap"
	"runtime"
)

// gcVictim is one cleaning candidate: a zone and its padded invalid byte
// count at queue-build time.
type gcVictim struct {
	zone         *Zone
	invalidBytes uint64
}

// victimQueue is a max-heap keyed on invalid bytes. Queues are rebuilt at
// the start of every proactive or reactive cleaning phase and never survive
// an AllocateZone call.
type victimQueue []*gcVictim

func (q victimQueue) Len() int            { return len(q) }
func (q victimQueue) Less(i, j int) bool  { return q[i].invalidBytes > q[j].invalidBytes }
func (q victimQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *victimQueue) Push(x interface{}) { *q = append(*q, x.(*gcVictim)) }
func (q *victimQueue) Pop() interface{} {
	old := *q
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return v
}

// buildVictimQueue scans the I/O zones and heapifies every non-open zone
// carrying invalid data. Outstanding appends to a zone are waited out so
// the extent list is stable when it is measured; a zone is handed to one
// writer at a time, so the flag cannot be re-set mid-scan. Caller holds the
// io-zones lock. Returns the queue and the total padded invalid bytes seen.
func (d *Device) buildVictimQueue() (*victimQueue, uint64) {
	q := &victimQueue{}
	var totalInvalid uint64
	for _, z := range d.ioZones {
		for z.appendInFlight.Load() {
			runtime.Gosched()
		}
		invalid := z.invalidBytes()
		totalInvalid += invalid
		if invalid > 0 && !z.openForWrite {
			*q = append(*q, &gcVictim{zone: z, invalidBytes: invalid})
		}
	}
	heap.Init(q)
	return q, totalInvalid
}
