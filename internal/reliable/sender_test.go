package reliable

import (
	"net"
	"testing"
	"time"
)

func testDest(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr
}

func TestSenderTrackAcknowledgeRoundTrip(t *testing.T) {
	s := NewSender(nil)
	dest := testDest(t)

	s.Track([]byte("frame-1"), 1, dest)
	if got := s.Stats().Sent; got != 1 {
		t.Fatalf("Sent = %d, want 1", got)
	}

	rtt, acked, fast := s.HandleAck(1)
	if !acked {
		t.Fatal("expected ack to be applied")
	}
	if fast != nil {
		t.Fatal("first ack for a sequence must not trigger fast retransmit")
	}
	if rtt < 0 {
		t.Fatalf("rtt = %v, want non-negative", rtt)
	}
	if got := s.Stats().Acked; got != 1 {
		t.Fatalf("Acked = %d, want 1", got)
	}
}

func TestSenderAcknowledgeUnknownSeqIsNoop(t *testing.T) {
	s := NewSender(nil)
	_, acked, fast := s.HandleAck(99)
	if acked {
		t.Fatal("acknowledging an untracked sequence must not count as acked")
	}
	if fast != nil {
		t.Fatal("acknowledging an untracked sequence must not trigger fast retransmit")
	}
}

func TestSenderDuplicateAckTriggersFastRetransmitAtThreshold(t *testing.T) {
	s := NewSender(nil)
	dest := testDest(t)

	s.Track([]byte("frame-5"), 5, dest)
	s.Track([]byte("frame-6"), 6, dest)

	// First ACK for 5 establishes it as last-acked; frame 6 is still missing.
	if _, acked, fast := s.HandleAck(5); !acked || fast != nil {
		t.Fatalf("initial ack(5): acked=%v fast=%v, want acked=true fast=nil", acked, fast)
	}

	// Two further ACKs of 5 are merely duplicates, not yet at threshold.
	for i := 0; i < DupAckThreshold-1; i++ {
		_, acked, fast := s.HandleAck(5)
		if acked {
			t.Fatalf("duplicate ack(5) #%d must not re-acknowledge", i)
		}
		if fast != nil {
			t.Fatalf("duplicate ack(5) #%d fired fast retransmit early", i)
		}
	}

	// The threshold-th duplicate must trigger fast retransmit of seq 6.
	_, acked, fast := s.HandleAck(5)
	if acked {
		t.Fatal("threshold duplicate ack must not re-acknowledge")
	}
	if fast == nil {
		t.Fatal("expected fast retransmit at DupAckThreshold")
	}
	if fast.Seq != 6 {
		t.Fatalf("fast retransmit seq = %d, want 6", fast.Seq)
	}
	if got := s.Stats().FastRetransmits; got != 1 {
		t.Fatalf("FastRetransmits = %d, want 1", got)
	}
}

func TestSenderDuplicateAckForAlreadyAckedNextIsNoop(t *testing.T) {
	s := NewSender(nil)
	dest := testDest(t)

	s.Track([]byte("frame-1"), 1, dest)
	s.Track([]byte("frame-2"), 2, dest)

	if _, acked, _ := s.HandleAck(2); !acked {
		t.Fatal("expected ack(2) to apply")
	}
	if _, acked, _ := s.HandleAck(1); !acked {
		t.Fatal("expected ack(1) to apply")
	}

	for i := 0; i < DupAckThreshold; i++ {
		_, _, fast := s.HandleAck(1)
		if fast != nil {
			t.Fatalf("fast retransmit fired for already-acked successor on duplicate #%d", i)
		}
	}
}

func TestSenderScanTimeoutsRetransmitsAfterTimeout(t *testing.T) {
	s := NewSender(nil)
	dest := testDest(t)

	s.Track([]byte("frame-1"), 1, dest)

	before := time.Now()
	retransmits, failed := s.ScanTimeouts(before.Add(RetransmitTimeout / 2))
	if len(retransmits) != 0 || len(failed) != 0 {
		t.Fatal("must not retransmit before RetransmitTimeout elapses")
	}

	after := before.Add(RetransmitTimeout + time.Millisecond)
	retransmits, failed = s.ScanTimeouts(after)
	if len(failed) != 0 {
		t.Fatalf("failed = %v, want none", failed)
	}
	if len(retransmits) != 1 || retransmits[0].Seq != 1 {
		t.Fatalf("retransmits = %+v, want exactly seq 1", retransmits)
	}
	if got := s.Stats().Retransmitted; got != 1 {
		t.Fatalf("Retransmitted = %d, want 1", got)
	}
}

func TestSenderScanTimeoutsExhaustsRetryBudget(t *testing.T) {
	s := NewSender(nil)
	dest := testDest(t)
	s.Track([]byte("frame-1"), 1, dest)

	now := time.Now()
	for i := 0; i < MaxRetransmits; i++ {
		now = now.Add(RetransmitTimeout + time.Millisecond)
		retransmits, failed := s.ScanTimeouts(now)
		if len(failed) != 0 {
			t.Fatalf("attempt %d: unexpected failure before budget exhausted", i)
		}
		if len(retransmits) != 1 {
			t.Fatalf("attempt %d: retransmits = %v, want 1", i, retransmits)
		}
	}

	// One more timeout past the budget must mark the frame as failed, not retransmit it.
	now = now.Add(RetransmitTimeout + time.Millisecond)
	retransmits, failed := s.ScanTimeouts(now)
	if len(retransmits) != 0 {
		t.Fatalf("retransmits after budget exhausted = %v, want none", retransmits)
	}
	if len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("failed = %v, want exactly seq 1", failed)
	}
	if got := s.Stats().Failed; got != 1 {
		t.Fatalf("Failed = %d, want 1", got)
	}

	// The failed sequence must no longer be tracked: a further scan sees nothing.
	retransmits, failed = s.ScanTimeouts(now.Add(RetransmitTimeout + time.Millisecond))
	if len(retransmits) != 0 || len(failed) != 0 {
		t.Fatal("a failed sequence must be removed from pending state")
	}
}

func TestSenderAckedFrameIsNotRetransmitted(t *testing.T) {
	s := NewSender(nil)
	dest := testDest(t)
	s.Track([]byte("frame-1"), 1, dest)

	if _, acked, _ := s.HandleAck(1); !acked {
		t.Fatal("expected ack to apply")
	}

	retransmits, failed := s.ScanTimeouts(time.Now().Add(RetransmitTimeout * (MaxRetransmits + 2)))
	if len(retransmits) != 0 || len(failed) != 0 {
		t.Fatal("an acknowledged frame must never be retransmitted or reported failed")
	}
}

func TestSenderStatsAccumulate(t *testing.T) {
	s := NewSender(nil)
	dest := testDest(t)

	s.Track([]byte("a"), 1, dest)
	s.Track([]byte("b"), 2, dest)
	s.HandleAck(1)

	stats := s.Stats()
	if stats.Sent != 2 {
		t.Errorf("Sent = %d, want 2", stats.Sent)
	}
	if stats.Acked != 1 {
		t.Errorf("Acked = %d, want 1", stats.Acked)
	}
}
