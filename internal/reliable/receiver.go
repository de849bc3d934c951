package reliable

import (
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/quantumduplex/pkg/duplexwire"
)

const (
	// ReorderBufferSize caps the number of out-of-order frames held while
	// waiting for the gap at expectedSeq to fill in.
	ReorderBufferSize = 500

	// ReorderTimeout is how long a gap at expectedSeq may persist before
	// the buffer gives up waiting and advances past it. This is
	// independent of the sender's RetransmitTimeout.
	ReorderTimeout = 2000 * time.Millisecond

	halfSeqSpace = duplexwire.SeqSpace / 2
)

// ReceiverStats is a snapshot of the Reorder Buffer's counters.
type ReceiverStats struct {
	Delivered  uint64
	Reordered  uint64
	Duplicates uint64
	Skipped    uint64
	Buffered   int
}

// Receiver is the receiver side of the Reliable Channel: the Reorder
// Buffer. It delivers frames in sequence order, holding out-of-order
// arrivals until the gap fills in or ReorderTimeout forces it to advance
// past the missing sequence.
//
// All access is serialized under a single mutex by the caller (the
// endpoint's receive worker is single-threaded per endpoint, so Receiver
// itself does not lock); see internal/endpoint for the calling
// convention.
type Receiver struct {
	expectedSeq uint16

	buffer map[uint16]*duplexwire.Frame

	gapStartTime time.Time
	gapOpen      bool

	lastAcked     uint16
	haveLastAcked bool

	stats ReceiverStats

	logger *zap.Logger
}

// NewReceiver creates an empty Reorder Buffer. expectedSeq starts at 0,
// matching the sender's reliable-channel sequence counter.
func NewReceiver(logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		buffer: make(map[uint16]*duplexwire.Frame),
		logger: logger,
	}
}

// isAhead reports whether a is ahead of b in the wraparound-aware 16-bit
// sequence space, splitting the space into two halves per §4.5.
func isAhead(a, b uint16) bool {
	diff := uint16(a - b)
	return diff != 0 && diff < halfSeqSpace
}

func isBehind(a, b uint16) bool {
	return isAhead(b, a)
}

// Add processes one inbound reliable-channel frame. It first runs the
// timeout sweep (so forward progress happens on every arrival, not just
// on a socket read timeout), then handles seq. It returns, in delivery
// order, every frame that becomes deliverable as a result. dupAck
// reports whether the caller must send a duplicate ACK for the last
// in-order delivered sequence (per §4.4: on first gap detection and on
// every subsequent buffered arrival while the gap persists); it is never
// requested before anything has been delivered in order.
func (r *Receiver) Add(seq uint16, frame *duplexwire.Frame, now time.Time) (delivered []*duplexwire.Frame, dupAck bool, dupAckSeq uint16) {
	delivered = append(delivered, r.sweepLocked(now)...)

	if seq == r.expectedSeq {
		delivered = append(delivered, frame)
		r.stats.Delivered++
		r.markDeliveredLocked(seq)
		r.advanceLocked()
		delivered = append(delivered, r.drainBufferedLocked(now)...)
		return delivered, false, 0
	}

	if isBehind(seq, r.expectedSeq) {
		// Already delivered (or skipped over): a duplicate.
		r.stats.Duplicates++
		return delivered, false, 0
	}

	// seq is ahead of expectedSeq: out-of-order arrival.
	if _, exists := r.buffer[seq]; exists {
		r.stats.Duplicates++
	} else if len(r.buffer) < ReorderBufferSize {
		r.buffer[seq] = frame
		r.stats.Reordered++
	} else {
		r.logger.Warn("reorder buffer full, dropping out-of-order frame",
			zap.Uint16("seq", seq))
	}

	if !r.gapOpen {
		r.gapOpen = true
		r.gapStartTime = now
	}

	if !r.haveLastAcked {
		return delivered, false, 0
	}
	return delivered, true, r.lastAcked
}

// markDeliveredLocked records seq as the most recently in-order
// delivered sequence, per §4.4's last_acked.
func (r *Receiver) markDeliveredLocked(seq uint16) {
	r.lastAcked = seq
	r.haveLastAcked = true
}

// advanceLocked moves expectedSeq forward by one, wrapping at SeqSpace.
func (r *Receiver) advanceLocked() {
	r.expectedSeq = uint16((uint32(r.expectedSeq) + 1) % duplexwire.SeqSpace)
}

// drainBufferedLocked delivers any run of buffered frames that is now
// contiguous with expectedSeq, and closes the gap if the buffer empties.
func (r *Receiver) drainBufferedLocked(now time.Time) []*duplexwire.Frame {
	var out []*duplexwire.Frame
	for {
		f, ok := r.buffer[r.expectedSeq]
		if !ok {
			break
		}
		delete(r.buffer, r.expectedSeq)
		out = append(out, f)
		r.stats.Delivered++
		r.markDeliveredLocked(r.expectedSeq)
		r.advanceLocked()
	}
	if len(r.buffer) == 0 {
		r.gapOpen = false
	} else {
		// Gap persists at a new position; restart its timer.
		r.gapStartTime = now
	}
	return out
}

// sweepLocked implements the timeout sweep of §4.4: if a gap has been
// open at expectedSeq for at least ReorderTimeout, it advances
// expectedSeq by exactly one (counting one skip), then attempts to
// drain any buffered run now contiguous with the new expectedSeq. It is
// a no-op if no gap is open or the gap hasn't aged past ReorderTimeout.
func (r *Receiver) sweepLocked(now time.Time) []*duplexwire.Frame {
	if !r.gapOpen || len(r.buffer) == 0 {
		return nil
	}
	if now.Sub(r.gapStartTime) < ReorderTimeout {
		return nil
	}

	skipped := r.expectedSeq
	r.advanceLocked()
	r.stats.Skipped++
	r.logger.Info("reorder buffer gap timeout, advancing past missing frame",
		zap.Uint16("skipped", skipped),
		zap.Uint16("expected", r.expectedSeq))

	return r.drainBufferedLocked(now)
}

// CheckTimeout is driven periodically by the caller (on every socket
// read timeout) to make forward progress when the missing frame at
// expectedSeq never arrives and no further traffic is triggering Add's
// own sweep.
func (r *Receiver) CheckTimeout(now time.Time) []*duplexwire.Frame {
	return r.sweepLocked(now)
}

// Stats returns a snapshot of the receiver-side statistics.
func (r *Receiver) Stats() ReceiverStats {
	s := r.stats
	s.Buffered = len(r.buffer)
	return s
}
