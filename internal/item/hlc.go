package item

import (
	"sync/atomic"
	"time"
)

// HLC generates hybrid-logical-clock CAS values for one partition. The upper
// 48 bits carry physical time in nanoseconds with the lower 16 bits masked off;
// those lower 16 bits are a logical counter that breaks ties when the physical
// clock stalls or runs behind a CAS learned from a peer.
type HLC struct {
	maxCAS atomic.Uint64
}

// NewHLC creates a clock seeded with the highest CAS seen so far (from the
// persisted partition state).
func NewHLC(maxCAS uint64) *HLC {
	h := &HLC{}
	h.maxCAS.Store(maxCAS)
	return h
}

// Next returns the next CAS value, strictly greater than every value this
// clock has returned or observed. The reserved all-ones value is never
// produced.
func (h *HLC) Next(now time.Time) uint64 {
	physical := uint64(now.UnixNano()) &^ uint64(0xffff)
	for {
		prev := h.maxCAS.Load()
		next := physical
		if next <= prev {
			next = prev + 1
		}
		if next == CASReserved {
			next = prev + 1
		}
		if h.maxCAS.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Observe folds a CAS received from a peer into the clock so subsequent
// values sort after it.
func (h *HLC) Observe(cas uint64) {
	for {
		prev := h.maxCAS.Load()
		if cas <= prev || cas == CASReserved {
			return
		}
		if h.maxCAS.CompareAndSwap(prev, cas) {
			return
		}
	}
}

// Max returns the highest CAS issued or observed.
func (h *HLC) Max() uint64 {
	return h.maxCAS.Load()
}
