package netbuf

import (
	"bytes"
	"errors"
	"testing"
)

func TestPool_AllocWholeOrNothing(t *testing.T) {
	p := NewPool("data", 4, 8)

	c, err := p.Alloc(20) // 3 blocks
	if err != nil {
		t.Fatalf("Alloc(20) failed: %v", err)
	}
	if c.Frags() != 3 {
		t.Errorf("Expected 3 fragments, got %d", c.Frags())
	}
	if _, err := p.Alloc(9); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Expected ErrExhausted, got %v", err)
	}
	// the failed request must not have taken the last block
	if st := p.Stats(); st.InUse != 3 || st.Failures != 1 {
		t.Errorf("Unexpected stats after failure: %+v", st)
	}

	c.Unref()
	if st := p.Stats(); st.InUse != 0 || st.HighWater != 3 {
		t.Errorf("Unexpected stats after release: %+v", st)
	}
}

func TestPool_ZeroSizeAllocTakesOneBlock(t *testing.T) {
	p := NewPool("ctx", 1, 64)
	c, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0) failed: %v", err)
	}
	if c.Tailroom() != 64 {
		t.Errorf("Expected 64 bytes tailroom, got %d", c.Tailroom())
	}
	c.Unref()
}

func TestPool_ReleaseNotifiesEveryListener(t *testing.T) {
	p := NewPool("data", 2, 8)
	var a, b int
	p.OnRelease(func() { a++ })
	p.OnRelease(func() { b++ })

	c, _ := p.Alloc(16)
	c.Ref()
	c.Unref()
	if a != 0 {
		t.Fatal("release notified while a reference was still held")
	}
	c.Unref()
	if a != 1 || b != 1 {
		t.Errorf("Expected one notification per listener, got %d/%d", a, b)
	}
}

func TestCursor_SpillsIntoNextBlock(t *testing.T) {
	p := NewPool("data", 3, 4)
	c, _ := p.Alloc(10)
	defer c.Unref()

	cur := c.Cursor()
	if n, err := cur.Write([]byte{1, 2, 3}); n != 3 || err != nil {
		t.Fatalf("first write: n=%d err=%v", n, err)
	}
	// 1 byte left in block 0, the rest must land in block 1
	if n, err := cur.Write([]byte{4, 5, 6, 7, 8, 9}); n != 6 || err != nil {
		t.Fatalf("spill write: n=%d err=%v", n, err)
	}
	frags := c.Fragments()
	if len(frags) != 3 {
		t.Fatalf("Expected 3 fragments, got %d", len(frags))
	}
	if !bytes.Equal(frags[0], []byte{1, 2, 3, 4}) || !bytes.Equal(frags[1], []byte{5, 6, 7, 8}) {
		t.Errorf("Unexpected layout: % X", frags)
	}
	if cur.Tailroom() != 3 {
		t.Errorf("Expected 3 bytes tailroom, got %d", cur.Tailroom())
	}

	n, err := cur.Write([]byte{10, 11, 12, 13, 14})
	if !errors.Is(err, ErrNoTailroom) || n != 3 {
		t.Errorf("Expected partial write of 3 with ErrNoTailroom, got n=%d err=%v", n, err)
	}
	if c.Len() != 12 {
		t.Errorf("Expected chain length 12, got %d", c.Len())
	}
}

func TestChain_LinkAcrossPools(t *testing.T) {
	ctxPool := NewPool("ctx", 1, 8)
	dataPool := NewPool("data", 2, 8)

	head, _ := ctxPool.Alloc(0)
	head.Append([]byte("first"))
	tail, _ := dataPool.Alloc(16)
	head.Link(tail)

	// cursor continues after the partially filled head block
	head.Append([]byte("-second-part"))
	if got := string(head.Bytes()); got != "first-second-part" {
		t.Errorf("Unexpected content %q", got)
	}

	head.Unref()
	if ctxPool.Stats().InUse != 0 || dataPool.Stats().InUse != 0 {
		t.Errorf("blocks leaked: ctx=%+v data=%+v", ctxPool.Stats(), dataPool.Stats())
	}
}

func TestChain_PullReleasesConsumedBlocks(t *testing.T) {
	p := NewPool("data", 3, 4)
	c, _ := p.Alloc(12)
	c.Append([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})

	out := make([]byte, 5)
	if n := c.Pull(out); n != 5 {
		t.Fatalf("Expected 5 bytes, got %d", n)
	}
	if !bytes.Equal(out, []byte{0, 1, 2, 3, 4}) {
		t.Errorf("Unexpected pulled data % X", out)
	}
	if p.Stats().InUse != 2 {
		t.Errorf("Expected first block released, in use=%d", p.Stats().InUse)
	}
	rest := make([]byte, 16)
	n := c.Pull(rest)
	if n != 7 || !bytes.Equal(rest[:n], []byte{5, 6, 7, 8, 9, 10, 11}) {
		t.Errorf("Unexpected rest n=%d % X", n, rest[:n])
	}
	c.Unref()
	if p.Stats().InUse != 0 {
		t.Errorf("blocks leaked: %+v", p.Stats())
	}
}
