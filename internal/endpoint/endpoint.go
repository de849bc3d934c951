// Package endpoint implements the public API of the Quantum Duplex
// transport: Open/Send/Receive/Metrics/Close over a single UDP socket
// bound to one remote peer.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/quantumduplex/internal/reliable"
	"github.com/aetherflow/quantumduplex/pkg/duplexwire"
	"github.com/aetherflow/quantumduplex/pkg/guuid"
)

const (
	// socketReadTimeout bounds each blocking read on the underlying UDP
	// socket so the receive worker can also service the reorder buffer's
	// gap timeout and react to Close promptly.
	socketReadTimeout = 100 * time.Millisecond

	// closeJoinTimeout bounds how long Close waits for the background
	// goroutines to exit before giving up.
	closeJoinTimeout = 1 * time.Second

	// inboxSize bounds the non-blocking Receive() queue. A slow
	// application that never calls Receive eventually drops delivered
	// frames rather than stalling the receive worker.
	inboxSize = 1024
)

// ErrClosed is returned by Send once the endpoint has been closed.
var ErrClosed = errors.New("endpoint: closed")

// Metrics is a point-in-time snapshot of an endpoint's traffic counters,
// per §6.
type Metrics struct {
	ReliableSent        uint64
	UnreliableSent      uint64
	ReliableReceived    uint64
	UnreliableReceived  uint64
	AcksSent            uint64
	AcksReceived        uint64
	PacketsAcked        uint64
	PacketsRetransmitted uint64
	PacketsFailed        uint64
	TotalRetryAttempts   uint64
	FastRetransmits      uint64
	PacketsReordered     uint64
	PacketsBuffered      uint64
	AvgLatencyMs         float64
	DeliveryRatioPercent float64
}

// Endpoint is one side of a duplex UDP connection to a single remote peer.
type Endpoint struct {
	id   guuid.GUUID
	conn *net.UDPConn
	peer *net.UDPAddr

	sender   *reliable.Sender
	receiver *reliable.Receiver

	nextReliableSeq   uint32
	nextUnreliableSeq uint32

	inbox chan *duplexwire.Frame
	bufs  *duplexwire.DatagramBufferPool

	mu              sync.Mutex
	acksSent        uint64
	acksReceived    uint64
	reliableRecv    uint64
	unreliableRecv  uint64
	latencyTotal    time.Duration
	latencySamples  uint64

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	// decodeFailLimiter throttles logging of malformed-datagram drops: a
	// lossy or adversarial link can produce a steady stream of garbage
	// that would otherwise flood the log at line rate.
	decodeFailLimiter *rate.Limiter

	logger *zap.Logger
}

// Open creates a UDP socket bound to localAddr (may be "" for an
// ephemeral port) and targeting peerAddr, and starts the endpoint's
// background workers. Only a single remote peer is supported; fan-out
// to multiple peers requires one Endpoint per peer.
func Open(localAddr, peerAddr string, logger *zap.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var laddr *net.UDPAddr
	if localAddr != "" {
		resolved, err := net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("endpoint: resolve local addr: %w", err)
		}
		laddr = resolved
	}

	raddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolve peer addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen: %w", err)
	}

	id, err := guuid.New()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("endpoint: generate id: %w", err)
	}

	e := &Endpoint{
		id:       id,
		conn:     conn,
		peer:     raddr,
		sender:   reliable.NewSender(logger),
		receiver: reliable.NewReceiver(logger),
		inbox:             make(chan *duplexwire.Frame, inboxSize),
		bufs:              duplexwire.NewDatagramBufferPool(),
		closeCh:           make(chan struct{}),
		decodeFailLimiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:            logger.With(zap.String("endpoint_id", id.String())),
	}

	e.wg.Add(2)
	go e.receiveLoop()
	go e.retransmitLoop()

	e.logger.Info("endpoint open", zap.String("local", conn.LocalAddr().String()), zap.String("peer", raddr.String()))
	return e, nil
}

// Send transmits payload on the reliable or unreliable channel.
func (e *Endpoint) Send(payload []byte, reliableChannel bool) error {
	select {
	case <-e.closeCh:
		return ErrClosed
	default:
	}

	ts := uint32(time.Now().UnixMilli())

	if !reliableChannel {
		seq := uint16(atomic.AddUint32(&e.nextUnreliableSeq, 1) - 1)
		f := &duplexwire.Frame{Channel: duplexwire.ChannelUnreliable, Seq: seq, Timestamp: ts, Payload: payload}
		return e.write(duplexwire.Encode(f))
	}

	seq := uint16(atomic.AddUint32(&e.nextReliableSeq, 1) - 1)
	f := &duplexwire.Frame{Channel: duplexwire.ChannelReliable, Seq: seq, Timestamp: ts, Payload: payload}
	encoded := duplexwire.Encode(f)

	e.sender.Track(encoded, seq, e.peer)
	return e.write(encoded)
}

// Receive returns the next delivered frame, if any, without blocking.
func (e *Endpoint) Receive() (*duplexwire.Frame, bool) {
	select {
	case f := <-e.inbox:
		return f, true
	default:
		return nil, false
	}
}

// Metrics returns a snapshot of the endpoint's counters.
func (e *Endpoint) Metrics() Metrics {
	ss := e.sender.Stats()
	rs := e.receiver.Stats()

	e.mu.Lock()
	acksSent := e.acksSent
	acksReceived := e.acksReceived
	reliableRecv := e.reliableRecv
	unreliableRecv := e.unreliableRecv
	var avgLatency float64
	if e.latencySamples > 0 {
		avgLatency = float64(e.latencyTotal.Milliseconds()) / float64(e.latencySamples)
	}
	e.mu.Unlock()

	var deliveryRatio float64
	if ss.Sent > 0 {
		deliveryRatio = float64(ss.Acked) / float64(ss.Sent) * 100
	}

	return Metrics{
		ReliableSent:         uint64(atomic.LoadUint32(&e.nextReliableSeq)),
		UnreliableSent:       uint64(atomic.LoadUint32(&e.nextUnreliableSeq)),
		ReliableReceived:     reliableRecv,
		UnreliableReceived:   unreliableRecv,
		AcksSent:             acksSent,
		AcksReceived:         acksReceived,
		PacketsAcked:         ss.Acked,
		PacketsRetransmitted: ss.Retransmitted,
		PacketsFailed:        ss.Failed,
		TotalRetryAttempts:   ss.TotalRetries,
		FastRetransmits:      ss.FastRetransmits,
		PacketsReordered:     rs.Reordered,
		PacketsBuffered:      uint64(rs.Buffered),
		AvgLatencyMs:         avgLatency,
		DeliveryRatioPercent: deliveryRatio,
	}
}

// Close stops the endpoint's background workers and releases the
// socket. It is idempotent and safe to call more than once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closeCh)
		err = e.conn.Close()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(closeJoinTimeout):
			e.logger.Warn("endpoint close: worker join timed out")
		}

		e.logger.Info("endpoint closed")
	})
	return err
}

func (e *Endpoint) write(data []byte) error {
	_, err := e.conn.WriteToUDP(data, e.peer)
	if err != nil {
		return fmt.Errorf("endpoint: write: %w", err)
	}
	return nil
}

// receiveLoop is the endpoint's single receive/timer worker: it reads
// inbound datagrams with a bounded timeout so the same goroutine can
// also drive the reorder buffer's gap timeout when nothing arrives.
func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closeCh:
			return
		default:
		}

		buf := e.bufs.Get()
		e.conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			e.bufs.Put(buf)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				e.deliverAll(e.receiver.CheckTimeout(time.Now()))
				continue
			}
			select {
			case <-e.closeCh:
				return
			default:
				continue
			}
		}

		frame, err := duplexwire.Decode(buf[:n])
		e.bufs.Put(buf)
		if err != nil {
			if e.decodeFailLimiter.Allow() {
				e.logger.Warn("endpoint: dropping malformed datagram", zap.Error(err))
			}
			continue
		}

		e.handleFrame(frame)
	}
}

func (e *Endpoint) handleFrame(frame *duplexwire.Frame) {
	if frame.IsAck() {
		ackSeq, err := frame.AckSeq()
		if err != nil {
			e.logger.Debug("endpoint: malformed ack payload", zap.Error(err))
			return
		}
		e.mu.Lock()
		e.acksReceived++
		e.mu.Unlock()

		rtt, acked, fast := e.sender.HandleAck(ackSeq)
		if acked {
			e.mu.Lock()
			e.latencyTotal += rtt
			e.latencySamples++
			e.mu.Unlock()
		}
		if fast != nil {
			if err := e.write(fast.Bytes); err != nil {
				e.logger.Warn("endpoint: fast retransmit write failed", zap.Error(err), zap.Uint16("seq", fast.Seq))
			}
		}
		return
	}

	if frame.Channel == duplexwire.ChannelUnreliable {
		e.mu.Lock()
		e.unreliableRecv++
		e.mu.Unlock()
		e.deliverOne(frame)
		return
	}

	// Reliable data frame: always ACK per-arrival (never cumulative),
	// then route through the reorder buffer.
	e.sendAck(frame.Seq)

	delivered, dupAck, dupAckSeq := e.receiver.Add(frame.Seq, frame, time.Now())
	if dupAck {
		e.sendAck(dupAckSeq)
	}
	if len(delivered) > 0 {
		e.mu.Lock()
		e.reliableRecv += uint64(len(delivered))
		e.mu.Unlock()
	}
	e.deliverAll(delivered)
}

func (e *Endpoint) sendAck(seq uint16) {
	ack := duplexwire.MakeAck(seq, uint32(time.Now().UnixMilli()))
	if err := e.write(duplexwire.Encode(ack)); err != nil {
		e.logger.Warn("endpoint: ack write failed", zap.Error(err), zap.Uint16("seq", seq))
		return
	}
	e.mu.Lock()
	e.acksSent++
	e.mu.Unlock()
}

func (e *Endpoint) deliverOne(f *duplexwire.Frame) {
	select {
	case e.inbox <- f:
	default:
		e.logger.Warn("endpoint: inbox full, dropping delivered frame", zap.Uint16("seq", f.Seq))
	}
}

func (e *Endpoint) deliverAll(frames []*duplexwire.Frame) {
	for _, f := range frames {
		e.deliverOne(f)
	}
}

// retransmitLoop periodically scans the reliable sender for frames that
// must be resent or have exhausted their retry budget.
func (e *Endpoint) retransmitLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(reliable.ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case now := <-ticker.C:
			retransmits, failed := e.sender.ScanTimeouts(now)
			for _, rt := range retransmits {
				if err := e.write(rt.Bytes); err != nil {
					e.logger.Warn("endpoint: retransmit write failed", zap.Error(err), zap.Uint16("seq", rt.Seq))
				}
			}
			for _, seq := range failed {
				e.logger.Warn("endpoint: reliable frame delivery failed", zap.Uint16("seq", seq))
			}
		}
	}
}
