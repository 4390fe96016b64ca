package netbuf

import (
	"sync/atomic"
)

// Chain is an ordered list of blocks, possibly from different pools.
// A chain has a single owner for mutation; Ref/Unref may be called from any
// goroutine.
type Chain struct {
	blocks []*block
	refs   int32
}

// Ref adds a reference and returns c.
func (c *Chain) Ref() *Chain {
	atomic.AddInt32(&c.refs, 1)
	return c
}

// Unref drops a reference. The last one returns every block to its pool.
func (c *Chain) Unref() {
	if c == nil {
		return
	}
	n := atomic.AddInt32(&c.refs, -1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("netbuf: chain unreferenced too many times")
	}
	blocks := c.blocks
	c.blocks = nil
	releaseBlocks(blocks)
}

func releaseBlocks(blocks []*block) {
	for len(blocks) > 0 {
		p := blocks[0].pool
		var same, rest []*block
		for _, b := range blocks {
			if b.pool == p {
				same = append(same, b)
			} else {
				rest = append(rest, b)
			}
		}
		p.release(same)
		blocks = rest
	}
}

// Len is the number of payload bytes in the chain.
func (c *Chain) Len() int {
	n := 0
	for _, b := range c.blocks {
		n += b.n - b.off
	}
	return n
}

// Tailroom is the number of bytes that can still be appended.
func (c *Chain) Tailroom() int {
	n := 0
	for i := len(c.blocks) - 1; i >= 0; i-- {
		b := c.blocks[i]
		n += b.tailroom()
		if b.n > 0 {
			break
		}
	}
	return n
}

// Frags is the number of blocks in the chain.
func (c *Chain) Frags() int { return len(c.blocks) }

// Fragments returns the data of every non-empty block. The slices alias the
// chain and are valid until it is released.
func (c *Chain) Fragments() [][]byte {
	out := make([][]byte, 0, len(c.blocks))
	for _, b := range c.blocks {
		if d := b.data(); len(d) > 0 {
			out = append(out, d)
		}
	}
	return out
}

// Bytes copies the whole chain into a new slice.
func (c *Chain) Bytes() []byte {
	out := make([]byte, 0, c.Len())
	for _, b := range c.blocks {
		out = append(out, b.data()...)
	}
	return out
}

// Link moves the blocks of other onto the tail of c. other is left empty and
// its reference is consumed.
func (c *Chain) Link(other *Chain) {
	if other == nil {
		return
	}
	c.blocks = append(c.blocks, other.blocks...)
	other.blocks = nil
	other.Unref()
}

// Append writes p at the tail, spilling into following blocks.
func (c *Chain) Append(p []byte) (int, error) {
	return c.Cursor().Write(p)
}

// Pull copies up to len(p) bytes from the head and removes them. Blocks that
// become empty are returned to their pool right away.
func (c *Chain) Pull(p []byte) int {
	copied := 0
	for len(p) > 0 && len(c.blocks) > 0 {
		b := c.blocks[0]
		n := copy(p, b.data())
		b.off += n
		copied += n
		p = p[n:]
		if b.off < b.n {
			break
		}
		if b.n < len(b.buf) && len(c.blocks) == 1 {
			// keep the last partially filled block so appends can continue
			break
		}
		c.blocks[0] = nil
		c.blocks = c.blocks[1:]
		b.pool.release([]*block{b})
	}
	return copied
}

// Cursor returns a write cursor at the first block with tail room.
func (c *Chain) Cursor() *Cursor {
	cur := &Cursor{c: c}
	for cur.idx < len(c.blocks)-1 && c.blocks[cur.idx].tailroom() == 0 {
		cur.idx++
	}
	return cur
}

// Cursor appends into a chain, moving to the next block when the current
// one is full.
type Cursor struct {
	c   *Chain
	idx int
}

// Write appends as much of p as fits. It returns ErrNoTailroom when the chain
// ran out of space before p was consumed.
func (cur *Cursor) Write(p []byte) (int, error) {
	written := 0
	blocks := cur.c.blocks
	for len(p) > 0 {
		if cur.idx >= len(blocks) {
			return written, ErrNoTailroom
		}
		b := blocks[cur.idx]
		n := copy(b.buf[b.n:], p)
		b.n += n
		written += n
		p = p[n:]
		if b.tailroom() == 0 {
			if cur.idx == len(blocks)-1 {
				if len(p) > 0 {
					return written, ErrNoTailroom
				}
				break
			}
			cur.idx++
		}
	}
	return written, nil
}

// Tailroom is the space left from the cursor to the end of the chain.
func (cur *Cursor) Tailroom() int {
	n := 0
	for i := cur.idx; i < len(cur.c.blocks); i++ {
		n += cur.c.blocks[i].tailroom()
	}
	return n
}
