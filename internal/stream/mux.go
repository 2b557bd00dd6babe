package stream

import (
	"sync"
	"sync/atomic"
)

// Sink accepts chunks. Emit reports whether the chunk was delivered.
type Sink interface {
	Emit(Chunk) bool
}

// Mux serializes every producer of a run onto a single channel. Emit
// stamps a sequence number and blocks until the chunk is delivered or
// the mux is stopped.
type Mux struct {
	ch chan Chunk

	mu     sync.Mutex // held across delivery to keep call order
	seq    int64
	closed bool

	stopOnce sync.Once
	done     chan struct{}
	stopped  atomic.Bool
}

// NewMux creates a mux whose channel buffers up to buf chunks.
func NewMux(buf int) *Mux {
	return &Mux{
		ch:   make(chan Chunk, buf),
		done: make(chan struct{}),
	}
}

// Chunks returns the ordered output channel. It is closed by Close.
func (m *Mux) Chunks() <-chan Chunk { return m.ch }

// Emit delivers c. After Stop or Close it drops c and returns false.
func (m *Mux) Emit(c Chunk) bool {
	if m.stopped.Load() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.stopped.Load() {
		return false
	}

	c.Seq = m.seq + 1
	select {
	case m.ch <- c:
		m.seq = c.Seq
		return true
	case <-m.done:
		return false
	}
}

// Stop discards every later chunk and releases a blocked Emit.
func (m *Mux) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.done)
	})
}

// Close ends the channel. Later emits return false.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Collector is a Sink that keeps every chunk in memory.
type Collector struct {
	mu     sync.Mutex
	chunks []Chunk
}

// Emit appends c, stamping its sequence number.
func (c *Collector) Emit(ch Chunk) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch.Seq = int64(len(c.chunks) + 1)
	c.chunks = append(c.chunks, ch)
	return true
}

// Chunks returns a copy of the collected chunks.
func (c *Collector) Chunks() []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Chunk(nil), c.chunks...)
}
