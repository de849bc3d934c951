// Package reliable implements the sender-side Reliable Channel and the
// receiver-side Reorder Buffer for the Quantum Duplex transport's
// reliable channel: timeout/fast retransmission on one side, gap-timeout
// skipping and duplicate-ACK generation on the other.
package reliable

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/quantumduplex/pkg/duplexwire"
)

const (
	// RetransmitTimeout is the fixed interval after which an unacknowledged
	// reliable frame is resent. Not adaptive — there is no RTT estimator.
	RetransmitTimeout = 150 * time.Millisecond

	// MaxRetransmits is the retry budget per reliable frame, in addition
	// to the original transmission (13 attempts total).
	MaxRetransmits = 12

	// DupAckThreshold is the number of duplicate ACKs for the same
	// sequence that triggers an immediate fast retransmit.
	DupAckThreshold = 3

	// retransmitScanInterval is the cadence of the background timeout scan.
	retransmitScanInterval = 50 * time.Millisecond
)

// pendingEntry tracks one in-flight reliable frame awaiting acknowledgment.
type pendingEntry struct {
	bytes      []byte
	dest       *net.UDPAddr
	sendTime   time.Time
	retryCount int
	acked      bool
}

// SenderStats is a snapshot of the Reliable Channel's sender-side counters.
type SenderStats struct {
	Sent            uint64
	Acked           uint64
	Retransmitted   uint64
	Failed          uint64
	TotalRetries    uint64
	FastRetransmits uint64
}

// RetransmitTarget describes one frame that must be resent on the wire.
type RetransmitTarget struct {
	Bytes []byte
	Dest  *net.UDPAddr
	Seq   uint16
}

// Sender is the sender side of the Reliable Channel: it tracks
// unacknowledged reliable frames and decides when they must be
// retransmitted, either on a fixed timeout or via fast retransmit.
//
// All access to pending frames, duplicate-ACK counts, and the
// last-acknowledged sequence is serialized under a single mutex; socket
// I/O for retransmission happens after building a target list and
// releasing the lock, so an unresponsive socket never stalls ACK
// processing.
type Sender struct {
	mu sync.Mutex

	pending     map[uint16]*pendingEntry
	dupAckCount map[uint16]int

	lastAckedSeq  uint16
	haveLastAcked bool

	stats SenderStats

	logger *zap.Logger
}

// NewSender creates an empty Sender. logger may be nil, in which case
// logging is a no-op (zap.NewNop()).
func NewSender(logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		pending:     make(map[uint16]*pendingEntry),
		dupAckCount: make(map[uint16]int),
		logger:      logger,
	}
}

// Track registers frameBytes (already encoded, including its original
// timestamp) as awaiting acknowledgment under seq. Replaces any existing
// entry for seq — a reused 16-bit counter value must never accumulate
// state from a previous lap of the sequence space.
func (s *Sender) Track(frameBytes []byte, seq uint16, dest *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[seq] = &pendingEntry{
		bytes:    frameBytes,
		dest:     dest,
		sendTime: time.Now(),
	}
	s.stats.Sent++
}

// HandleAck routes one inbound ACK per §4.3's caller-side duplicate
// detection: an ACK equal to the last distinct acknowledged sequence is
// treated as a duplicate and may trigger fast retransmit; any other ACK
// is applied directly and becomes the new last-acknowledged sequence.
//
// It returns the measured RTT (valid only when acked is true) and, when
// a fast retransmit was triggered, the frame that must be resent.
func (s *Sender) HandleAck(ackSeq uint16) (rtt time.Duration, acked bool, fast *RetransmitTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.haveLastAcked && ackSeq == s.lastAckedSeq {
		return 0, false, s.onDuplicateAckLocked(ackSeq)
	}

	rtt, acked = s.acknowledgeLocked(ackSeq)
	s.lastAckedSeq = ackSeq
	s.haveLastAcked = true
	return rtt, acked, nil
}

// acknowledgeLocked implements acknowledge(ack_seq) from §4.3.
func (s *Sender) acknowledgeLocked(ackSeq uint16) (time.Duration, bool) {
	entry, ok := s.pending[ackSeq]
	if !ok || entry.acked {
		return 0, false
	}

	entry.acked = true
	rtt := time.Since(entry.sendTime)
	s.stats.Acked++
	delete(s.pending, ackSeq)
	delete(s.dupAckCount, ackSeq)

	s.logger.Debug("reliable: ack received",
		zap.Uint16("seq", ackSeq),
		zap.Duration("rtt", rtt))

	return rtt, true
}

// onDuplicateAckLocked implements on_duplicate_ack(ack_seq) from §4.3.
func (s *Sender) onDuplicateAckLocked(ackSeq uint16) *RetransmitTarget {
	s.dupAckCount[ackSeq]++
	count := s.dupAckCount[ackSeq]

	s.logger.Debug("reliable: duplicate ack",
		zap.Uint16("seq", ackSeq),
		zap.Int("count", count))

	if count < DupAckThreshold {
		return nil
	}

	missing := uint16((uint32(ackSeq) + 1) % duplexwire.SeqSpace)
	entry, ok := s.pending[missing]
	if !ok || entry.acked || entry.retryCount >= MaxRetransmits {
		return nil
	}

	entry.retryCount++
	entry.sendTime = time.Now()
	s.stats.FastRetransmits++
	s.stats.Retransmitted++
	s.stats.TotalRetries++
	s.dupAckCount[ackSeq] = 0

	s.logger.Info("reliable: fast retransmit",
		zap.Uint16("seq", missing),
		zap.Int("attempt", entry.retryCount))

	return &RetransmitTarget{Bytes: entry.bytes, Dest: entry.dest, Seq: missing}
}

// ScanTimeouts implements the retransmission timer loop of §4.3. It is
// meant to be called every retransmitScanInterval by the endpoint's
// retransmission scanner goroutine. It returns the frames that must now
// be resent and the sequences whose retry budget was just exhausted.
func (s *Sender) ScanTimeouts(now time.Time) (retransmits []RetransmitTarget, failed []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for seq, entry := range s.pending {
		if entry.acked {
			continue
		}
		if now.Sub(entry.sendTime) < RetransmitTimeout {
			continue
		}

		if entry.retryCount < MaxRetransmits {
			entry.retryCount++
			entry.sendTime = now
			s.stats.Retransmitted++
			s.stats.TotalRetries++
			s.logger.Debug("reliable: retransmit on timeout",
				zap.Uint16("seq", seq),
				zap.Int("attempt", entry.retryCount))
			retransmits = append(retransmits, RetransmitTarget{Bytes: entry.bytes, Dest: entry.dest, Seq: seq})
		} else {
			s.stats.Failed++
			delete(s.pending, seq)
			delete(s.dupAckCount, seq)
			failed = append(failed, seq)
		}
	}
	return retransmits, failed
}

// Stats returns a snapshot of the sender-side statistics.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ScanInterval returns the cadence at which the caller should invoke
// ScanTimeouts.
func ScanInterval() time.Duration {
	return retransmitScanInterval
}
