// Package netbuf implements fixed-block fragment pools and reference counted
// buffer chains.
package netbuf

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrExhausted  = errors.New("netbuf: pool exhausted")
	ErrNoTailroom = errors.New("netbuf: no tailroom left in chain")
)

type block struct {
	pool *Pool
	buf  []byte
	off  int
	n    int
}

func (b *block) data() []byte { return b.buf[b.off:b.n] }

func (b *block) tailroom() int { return len(b.buf) - b.n }

// Stats is a snapshot of pool usage.
type Stats struct {
	Name      string
	Blocks    int
	BlockSize int
	InUse     int
	HighWater int
	Failures  uint64
}

// Pool hands out blocks of a fixed size from a preallocated set. All
// allocations succeed or fail as a whole; a failed allocation never holds
// blocks back from other callers.
type Pool struct {
	name      string
	blockSize int
	count     int

	mu        sync.Mutex
	free      []*block
	highWater int
	failures  uint64
	notify    []func()
}

// NewPool preallocates count blocks of blockSize bytes.
func NewPool(name string, count, blockSize int) *Pool {
	if count < 1 || blockSize < 1 {
		panic(fmt.Sprintf("netbuf: invalid pool geometry %d x %d", count, blockSize))
	}
	p := &Pool{
		name:      name,
		blockSize: blockSize,
		count:     count,
		free:      make([]*block, 0, count),
	}
	mem := make([]byte, count*blockSize)
	for i := 0; i < count; i++ {
		p.free = append(p.free, &block{
			pool: p,
			buf:  mem[i*blockSize : (i+1)*blockSize : (i+1)*blockSize],
		})
	}
	return p
}

func (p *Pool) Name() string   { return p.name }
func (p *Pool) BlockSize() int { return p.blockSize }
func (p *Pool) Blocks() int    { return p.count }

// Capacity is the number of payload bytes the whole pool can hold.
func (p *Pool) Capacity() int { return p.count * p.blockSize }

// BlocksFor returns how many blocks an allocation of size bytes needs.
func (p *Pool) BlocksFor(size int) int {
	if size <= 0 {
		return 1
	}
	return (size + p.blockSize - 1) / p.blockSize
}

// OnRelease registers fn to be called every time blocks are returned to the
// pool. fn runs on the releasing goroutine, outside the pool lock.
func (p *Pool) OnRelease(fn func()) {
	p.mu.Lock()
	p.notify = append(p.notify, fn)
	p.mu.Unlock()
}

// Alloc returns a chain with room for at least size bytes. A zero size still
// yields one block.
func (p *Pool) Alloc(size int) (*Chain, error) {
	n := p.BlocksFor(size)

	p.mu.Lock()
	if n > len(p.free) {
		p.failures++
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	taken := make([]*block, n)
	copy(taken, p.free[len(p.free)-n:])
	for i := len(p.free) - n; i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = p.free[:len(p.free)-n]
	if inUse := p.count - len(p.free); inUse > p.highWater {
		p.highWater = inUse
	}
	p.mu.Unlock()

	for _, b := range taken {
		b.off, b.n = 0, 0
	}
	return &Chain{blocks: taken, refs: 1}, nil
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		Blocks:    p.count,
		BlockSize: p.blockSize,
		InUse:     p.count - len(p.free),
		HighWater: p.highWater,
		Failures:  p.failures,
	}
}

func (p *Pool) release(blocks []*block) {
	if len(blocks) == 0 {
		return
	}
	p.mu.Lock()
	for _, b := range blocks {
		b.off, b.n = 0, 0
		p.free = append(p.free, b)
	}
	if len(p.free) > p.count {
		p.mu.Unlock()
		panic("netbuf: block released twice to pool " + p.name)
	}
	notify := append([]func(){}, p.notify...)
	p.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}
