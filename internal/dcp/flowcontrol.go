package dcp

import (
	"sync/atomic"
)

// flowControl enforces the consumer-granted byte budget. Until the consumer
// negotiates a buffer size, flow control is off and sends are unlimited.
// Once on, the producer suspends when in-flight bytes would exceed the
// grant, and resumes as buffer acknowledgements drain it.
type flowControl struct {
	bufferSize atomic.Uint64
	unacked    atomic.Uint64
}

// setBufferSize installs (or resizes) the grant.
func (fc *flowControl) setBufferSize(n uint64) {
	fc.bufferSize.Store(n)
}

// enabled reports whether a grant is in force.
func (fc *flowControl) enabled() bool {
	return fc.bufferSize.Load() > 0
}

// canSend reports whether n more bytes fit in the grant.
func (fc *flowControl) canSend(n uint64) bool {
	size := fc.bufferSize.Load()
	if size == 0 {
		return true
	}
	return fc.unacked.Load()+n <= size
}

// onSend accounts n sent bytes.
func (fc *flowControl) onSend(n uint64) {
	if fc.enabled() {
		fc.unacked.Add(n)
	}
}

// onAck returns budget. Over-acknowledgement clamps to zero.
func (fc *flowControl) onAck(n uint64) {
	for {
		cur := fc.unacked.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if fc.unacked.CompareAndSwap(cur, next) {
			return
		}
	}
}

// unackedBytes returns the bytes in flight.
func (fc *flowControl) unackedBytes() uint64 {
	return fc.unacked.Load()
}
