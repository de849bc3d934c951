package endpoint

import (
	"net"
	"testing"
	"time"
)

// openPair opens two loopback endpoints and points each at the other's
// actual ephemeral port (unknown until after Open binds the socket).
func openPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()

	a, err := Open("127.0.0.1:0", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := Open("127.0.0.1:0", "127.0.0.1:0", nil)
	if err != nil {
		a.Close()
		t.Fatalf("Open b: %v", err)
	}

	a.peer = b.conn.LocalAddr().(*net.UDPAddr)
	b.peer = a.conn.LocalAddr().(*net.UDPAddr)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func recvWithin(t *testing.T, e *Endpoint, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f, ok := e.Receive(); ok {
			return f.Payload
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no frame received within %v", timeout)
	return nil
}

func TestEndpointHappyPathReliableAndUnreliable(t *testing.T) {
	a, b := openPair(t)

	if err := a.Send([]byte("reliable hello"), true); err != nil {
		t.Fatalf("Send reliable: %v", err)
	}
	if err := a.Send([]byte("unreliable hello"), false); err != nil {
		t.Fatalf("Send unreliable: %v", err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[string(recvWithin(t, b, time.Second))] = true
	}
	if !got["reliable hello"] || !got["unreliable hello"] {
		t.Fatalf("got = %v, want both payloads delivered", got)
	}

	if !waitFor(t, time.Second, func() bool { return a.Metrics().PacketsAcked >= 1 }) {
		t.Fatal("reliable frame was never acked")
	}
}

func TestEndpointReorderWithoutLoss(t *testing.T) {
	a, b := openPair(t)

	// Send three reliable frames back to back; UDP loopback normally
	// preserves order, so this mainly exercises the in-order fast path,
	// but the reorder buffer must still deliver all three regardless of
	// arrival order.
	for _, payload := range []string{"one", "two", "three"} {
		if err := a.Send([]byte(payload), true); err != nil {
			t.Fatalf("Send(%q): %v", payload, err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[string(recvWithin(t, b, time.Second))] = true
	}
	for _, want := range []string{"one", "two", "three"} {
		if !seen[want] {
			t.Errorf("missing delivered payload %q", want)
		}
	}
}

func TestEndpointMetricsReflectTraffic(t *testing.T) {
	a, b := openPair(t)

	if err := a.Send([]byte("x"), true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvWithin(t, b, time.Second)

	if !waitFor(t, time.Second, func() bool { return a.Metrics().PacketsAcked == 1 }) {
		t.Fatal("expected exactly one packet acked")
	}

	m := a.Metrics()
	if m.ReliableSent != 1 {
		t.Errorf("ReliableSent = %d, want 1", m.ReliableSent)
	}
	if m.DeliveryRatioPercent != 100 {
		t.Errorf("DeliveryRatioPercent = %v, want 100", m.DeliveryRatioPercent)
	}

	bm := b.Metrics()
	if bm.ReliableReceived != 1 {
		t.Errorf("receiver ReliableReceived = %d, want 1", bm.ReliableReceived)
	}
	if bm.AcksSent != 1 {
		t.Errorf("receiver AcksSent = %d, want 1", bm.AcksSent)
	}
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	a, err := Open("127.0.0.1:0", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got: %v", err)
	}

	if err := a.Send([]byte("x"), true); err != ErrClosed {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestEndpointReceiveIsNonBlocking(t *testing.T) {
	a, err := Open("127.0.0.1:0", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	done := make(chan struct{})
	go func() {
		a.Receive()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Receive blocked on an empty inbox")
	}
}
