package ble

import (
	"fmt"
	"sync"
)

// Mbuf is a notification payload buffer drawn from an MbufPool. Whoever
// holds an Mbuf owns it until it is handed to Stack.Notify successfully or
// released with Free.
type Mbuf struct {
	pool *MbufPool
	buf  []byte
	n    int
	free bool
}

// Bytes returns the payload. It is only valid until the buffer is freed.
func (m *Mbuf) Bytes() []byte { return m.buf[:m.n] }

// Len returns the payload length.
func (m *Mbuf) Len() int { return m.n }

// Free returns the buffer to its pool. Freeing twice is a no-op.
func (m *Mbuf) Free() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.put(m)
}

// MbufPool is a fixed set of equally sized buffers, like the host stack's
// msys pool. It never grows, so a leaked buffer is visible through InUse.
type MbufPool struct {
	size int

	mu     sync.Mutex
	free   []*Mbuf
	inUse  int
	allocs uint64
	frees  uint64
}

// NewMbufPool creates count buffers of size bytes each.
func NewMbufPool(count, size int) *MbufPool {
	if count <= 0 {
		count = 8
	}
	if size <= 0 {
		size = DefaultMaxPayload
	}
	p := &MbufPool{size: size, free: make([]*Mbuf, 0, count)}
	for i := 0; i < count; i++ {
		p.free = append(p.free, &Mbuf{pool: p, buf: make([]byte, size), free: true})
	}
	return p
}

// DefaultMaxPayload is the notification payload that fits the default ATT
// MTU of 23 bytes.
const DefaultMaxPayload = 20

// FromFlat copies data into a free buffer. It fails with ErrNoMem when the
// pool is exhausted and with a StatusEMsgSize error when data is too long.
func (p *MbufPool) FromFlat(data []byte) (*Mbuf, error) {
	if len(data) > p.size {
		return nil, fmt.Errorf("ble: payload %d bytes exceeds buffer size %d: %w",
			len(data), p.size, NewStatusError("mbuf from flat", StatusEMsgSize))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, fmt.Errorf("ble: mbuf pool exhausted (%d in use): %w", p.inUse, ErrNoMem)
	}
	m := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	m.n = copy(m.buf, data)
	m.free = false
	p.inUse++
	p.allocs++
	return m, nil
}

func (p *MbufPool) put(m *Mbuf) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.free {
		return
	}
	m.free = true
	m.n = 0
	p.free = append(p.free, m)
	p.inUse--
	p.frees++
}

// Size returns the capacity of each buffer.
func (p *MbufPool) Size() int { return p.size }

// InUse returns the number of buffers currently held outside the pool.
func (p *MbufPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Counts returns the lifetime allocation and free counts.
func (p *MbufPool) Counts() (allocs, frees uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.frees
}
