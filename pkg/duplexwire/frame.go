// Package duplexwire implements the wire framing for the Quantum Duplex
// UDP transport: a fixed 7-byte header followed by a UTF-8 payload.
package duplexwire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Channel identifies which traffic class a frame belongs to.
type Channel uint8

const (
	// ChannelReliable carries frames tracked for ACK/retransmission and
	// delivered in order. ACK control frames also travel on this channel.
	ChannelReliable Channel = 0

	// ChannelUnreliable carries best-effort frames delivered immediately,
	// with no ordering guarantee and no deduplication.
	ChannelUnreliable Channel = 1
)

const (
	// HeaderSize is the fixed size of a frame header in bytes.
	HeaderSize = 7

	// SeqSpace is the size of the per-channel sequence number space.
	// Sequence counters wrap modulo this value.
	SeqSpace = 1 << 16

	// ackPrefix marks a reliable-channel frame as an ACK control frame.
	ackPrefix = "ACK:"
)

// Frame is the decoded form of one UDP datagram.
type Frame struct {
	Channel   Channel
	Seq       uint16
	Timestamp uint32 // sender wall-clock ms, low 32 bits
	Payload   []byte
}

// Encode serializes f into a new byte slice: 1-byte channel, big-endian
// 16-bit seq, big-endian 32-bit timestamp, then the raw payload.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Channel)
	binary.BigEndian.PutUint16(buf[1:3], f.Seq)
	binary.BigEndian.PutUint32(buf[3:7], f.Timestamp)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a UDP datagram into a Frame. It fails if the datagram is
// shorter than HeaderSize or the payload is not valid UTF-8.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("duplexwire: short datagram: %d bytes, need at least %d", len(data), HeaderSize)
	}

	payload := data[HeaderSize:]
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("duplexwire: payload is not valid UTF-8")
	}

	return &Frame{
		Channel:   Channel(data[0]),
		Seq:       binary.BigEndian.Uint16(data[1:3]),
		Timestamp: binary.BigEndian.Uint32(data[3:7]),
		Payload:   append([]byte(nil), payload...),
	}, nil
}

// MakeAck builds an ACK control frame acknowledging seq. Per §4.1, an ACK
// always travels on the reliable channel and carries the acknowledged
// sequence both in the header's Seq field and textually in the payload.
func MakeAck(seq uint16, timestampMs uint32) *Frame {
	return &Frame{
		Channel:   ChannelReliable,
		Seq:       seq,
		Timestamp: timestampMs,
		Payload:   []byte(fmt.Sprintf("%s%d", ackPrefix, seq)),
	}
}

// IsAck reports whether f is an ACK control frame: reliable channel and a
// payload beginning with the literal "ACK:" prefix.
func (f *Frame) IsAck() bool {
	return f.Channel == ChannelReliable && len(f.Payload) >= len(ackPrefix) && string(f.Payload[:len(ackPrefix)]) == ackPrefix
}

// AckSeq extracts the acknowledged sequence number from an ACK frame's
// payload body. It returns an error if f is not a well-formed ACK frame.
func (f *Frame) AckSeq() (uint16, error) {
	if !f.IsAck() {
		return 0, fmt.Errorf("duplexwire: frame is not an ACK frame")
	}
	var n uint32
	_, err := fmt.Sscanf(string(f.Payload[len(ackPrefix):]), "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("duplexwire: malformed ACK payload %q: %w", f.Payload, err)
	}
	return uint16(n), nil
}
