package duplexwire

import "sync"

// MaxDatagramSize bounds the receive buffer. UDP datagrams on typical
// paths stay well under this; oversized reads are truncated by the
// kernel to this many bytes. Decode does not detect the truncation: it
// rejects such a datagram only if the cut leaves invalid UTF-8, and
// otherwise yields a frame whose payload is cut short.
const MaxDatagramSize = 2048

// DatagramBufferPool recycles fixed-size receive buffers across the
// worker's read loop to avoid an allocation per datagram on a busy link.
type DatagramBufferPool struct {
	pool sync.Pool
}

// NewDatagramBufferPool creates a ready-to-use pool.
func NewDatagramBufferPool() *DatagramBufferPool {
	return &DatagramBufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, MaxDatagramSize)
				return &buf
			},
		},
	}
}

// Get returns a buffer of length MaxDatagramSize.
func (p *DatagramBufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns buf to the pool for reuse.
func (p *DatagramBufferPool) Put(buf []byte) {
	if cap(buf) != MaxDatagramSize {
		return
	}
	buf = buf[:MaxDatagramSize]
	p.pool.Put(&buf)
}
