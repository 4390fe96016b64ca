package tp

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/netbuf"
)

type fcRecord struct {
	status, bs, stmin uint8
}

type delivered struct {
	data      []byte
	remaining int
}

// fakePort records what the machine asks of its binding.
type fakePort struct {
	ctxPool  *netbuf.Pool
	dataPool *netbuf.Pool

	fcs       []fcRecord
	timer     time.Duration
	timerOn   bool
	waiting   waitKind
	delivered []delivered
	errs      []error
	peer      uint32
}

func newFakePort(ctxBlocks, dataBlocks, blockSize int) *fakePort {
	return &fakePort{
		ctxPool:  netbuf.NewPool("ffsf", ctxBlocks, ctxBlockSize),
		dataPool: netbuf.NewPool("data", dataBlocks, blockSize),
	}
}

func (p *fakePort) sendFC(status, bs, stmin uint8) error {
	p.fcs = append(p.fcs, fcRecord{status, bs, stmin})
	return nil
}

func (p *fakePort) startTimer(d time.Duration) { p.timer, p.timerOn = d, true }
func (p *fakePort) stopTimer()                 { p.timerOn = false }

func (p *fakePort) allocCtx() (*netbuf.Chain, error) { return p.ctxPool.Alloc(ctxBlockSize) }

func (p *fakePort) allocData(n int) (*netbuf.Chain, error) { return p.dataPool.Alloc(n) }

func (p *fakePort) dataCapacity() int { return p.dataPool.Capacity() }

func (p *fakePort) waitForBuffers(kind waitKind) {
	if p.waiting != waitNone {
		panic("already on a wait list")
	}
	p.waiting = kind
}

func (p *fakePort) stopWaiting() { p.waiting = waitNone }

func (p *fakePort) deliver(c *netbuf.Chain, remaining int) {
	p.delivered = append(p.delivered, delivered{data: c.Bytes(), remaining: remaining})
	c.Unref()
}

func (p *fakePort) report(err error) { p.errs = append(p.errs, err) }

func (p *fakePort) learnPeer(id uint32) { p.peer = id }

func newTestMachine(t *testing.T, p *fakePort, cfg *Config, opts FlowControlOptions) *rxMachine {
	t.Helper()
	ctx, err := p.allocCtx()
	if err != nil {
		t.Fatalf("allocCtx: %v", err)
	}
	m := newRxMachine(p, cfg, MsgID{ID: 0x7E0}, opts, ctx)
	return &m
}

func feed(m *rxMachine, data ...byte) {
	m.onFrame(driver.Frame{ID: 0x7E0, Data: data})
	m.run()
}

func TestRx_SingleFrame(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	feed(m, 0x03, 0x62, 0xF1, 0x90, 0xCC, 0xCC, 0xCC, 0xCC)
	if len(p.delivered) != 1 || !bytes.Equal(p.delivered[0].data, []byte{0x62, 0xF1, 0x90}) {
		t.Fatalf("delivered %+v", p.delivered)
	}
	if m.state != rxWaitFFSF {
		t.Errorf("state = %s, want WAIT_FF_SF", m.state)
	}
	if len(p.fcs) != 0 {
		t.Errorf("single frame must not be acknowledged, got %d FCs", len(p.fcs))
	}
	if st := p.ctxPool.Stats(); st.InUse != 1 {
		t.Errorf("ctx blocks in use = %d, want 1", st.InUse)
	}
}

func TestRx_BlockSizeDelivery(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 8, 32)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{BS: 2, STmin: 5})

	// 20 bytes: FF carries 6, then 7 + 7
	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	if len(p.fcs) != 1 || p.fcs[0] != (fcRecord{FlowStatusContinueToSend, 2, 5}) {
		t.Fatalf("FCs after FF = %+v", p.fcs)
	}
	if m.state != rxWaitCF || !p.timerOn || p.timer != cfg.TimeoutN_Cr {
		t.Fatalf("state %s timer %v/%v", m.state, p.timerOn, p.timer)
	}
	if len(p.delivered) != 1 || p.delivered[0].remaining != 14 {
		t.Fatalf("FF should be delivered with 14 bytes remaining, got %+v", p.delivered)
	}

	feed(m, 0x21, 6, 7, 8, 9, 10, 11, 12)
	if len(p.fcs) != 1 {
		t.Fatalf("block not complete yet, got %d FCs", len(p.fcs))
	}
	feed(m, 0x22, 13, 14, 15, 16, 17, 18, 19)

	if m.state != rxWaitFFSF {
		t.Fatalf("state = %s after last CF", m.state)
	}
	var all []byte
	for _, d := range p.delivered {
		all = append(all, d.data...)
	}
	for i := 0; i < 20; i++ {
		if all[i] != byte(i) {
			t.Fatalf("reassembled % X", all)
		}
	}
	if last := p.delivered[len(p.delivered)-1]; last.remaining != 0 {
		t.Errorf("last chunk remaining = %d", last.remaining)
	}
	if st := p.dataPool.Stats(); st.InUse != 0 {
		t.Errorf("data blocks leaked: %d", st.InUse)
	}
}

func TestRx_SecondBlockNeedsNewFC(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 8, 32)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{BS: 1})

	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	feed(m, 0x21, 6, 7, 8, 9, 10, 11, 12)
	if len(p.fcs) != 2 {
		t.Fatalf("expected a second CTS after one CF, got %d FCs", len(p.fcs))
	}
	feed(m, 0x22, 13, 14, 15, 16, 17, 18, 19)
	if len(p.fcs) != 2 || m.state != rxWaitFFSF {
		t.Errorf("FCs %d state %s", len(p.fcs), m.state)
	}
}

func TestRx_WaitThenOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WFTMax = 3
	p := newFakePort(2, 2, 16)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	held, err := p.dataPool.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Unref()

	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	if len(p.fcs) != 0 {
		t.Fatalf("first allocation failure must wait silently, got %+v", p.fcs)
	}
	if p.waiting != waitData || m.state != rxTryAlloc {
		t.Fatalf("waiting %d state %s", p.waiting, m.state)
	}
	if p.timer != cfg.AllocTimeout {
		t.Errorf("alloc timer = %v", p.timer)
	}

	// a wake that frees nothing keeps waiting silently
	m.run()
	if len(p.fcs) != 0 {
		t.Fatalf("wake without timeout sent %+v", p.fcs)
	}

	for i := 0; i < 2; i++ {
		m.onTimeout()
		m.run()
	}
	if len(p.fcs) != 2 || p.fcs[0].status != FlowStatusWait || p.fcs[1].status != FlowStatusWait {
		t.Fatalf("expected two WAIT frames, got %+v", p.fcs)
	}

	m.onTimeout()
	m.run()
	if len(p.fcs) != 3 || p.fcs[2].status != FlowStatusOverflow {
		t.Fatalf("expected OVFLW after WFTMax, got %+v", p.fcs)
	}
	if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrBufferOverflw) {
		t.Fatalf("errors = %v", p.errs)
	}
	if p.waiting != waitNone || m.state != rxWaitFFSF {
		t.Errorf("waiting %d state %s", p.waiting, m.state)
	}
}

func TestRx_AllocAfterRelease(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 2, 16)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	held, _ := p.dataPool.Alloc(32)
	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	if m.state != rxTryAlloc {
		t.Fatalf("state = %s", m.state)
	}
	held.Unref()
	m.run()
	if m.state != rxWaitCF || p.waiting != waitNone {
		t.Fatalf("state %s waiting %d", m.state, p.waiting)
	}
	if len(p.fcs) != 1 || p.fcs[0].status != FlowStatusContinueToSend {
		t.Errorf("FCs = %+v", p.fcs)
	}
}

func TestRx_WrongSequenceNumber(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	feed(m, 0x22, 6, 7, 8, 9, 10, 11, 12)
	if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrWrongSN) {
		t.Fatalf("errors = %v", p.errs)
	}
	if len(p.delivered) != 0 {
		t.Errorf("nothing should be delivered, got %+v", p.delivered)
	}
	if st := p.dataPool.Stats(); st.InUse != 0 {
		t.Errorf("data blocks leaked: %d", st.InUse)
	}
	if m.state != rxWaitFFSF || p.timerOn {
		t.Errorf("state %s timer %v", m.state, p.timerOn)
	}

	// trailing CFs of the broken message are ignored
	feed(m, 0x23, 1, 2, 3, 4, 5, 6, 7)
	if len(p.errs) != 1 {
		t.Errorf("stray CF reported %v", p.errs)
	}
}

func TestRx_ConsecutiveFrameTimeout(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	m.onTimeout()
	m.run()
	if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrTimeoutCr) {
		t.Fatalf("errors = %v", p.errs)
	}
}

func TestRx_UnexpectedPDU(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	feed(m, 0x30, 0, 0) // flow control of a transfer on the same ID
	if len(p.errs) != 0 {
		t.Fatalf("FC during reception reported %v", p.errs)
	}
	feed(m, 0x02, 1, 2)
	if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrUnexpPDU) {
		t.Fatalf("errors = %v", p.errs)
	}
}

func TestRx_NoContextOverflow(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(1, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	// the delivered SF keeps the only context busy
	var kept *netbuf.Chain
	m.port = &keepingPort{fakePort: p, keep: &kept}
	feed(m, 0x01, 0xAA)
	if m.state != rxRecycle || p.waiting != waitCtx {
		t.Fatalf("state %s waiting %d", m.state, p.waiting)
	}

	feed(m, 0x01, 0xBB)
	if len(p.fcs) != 0 {
		t.Errorf("SF must not trigger a flow control, got %+v", p.fcs)
	}
	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	if len(p.fcs) != 1 || p.fcs[0].status != FlowStatusOverflow {
		t.Errorf("FF without context should get OVFLW, got %+v", p.fcs)
	}
	if len(p.errs) != 2 || !errors.Is(p.errs[1], ErrBufferOverflw) {
		t.Fatalf("errors = %v", p.errs)
	}

	kept.Unref()
	m.run()
	if m.state != rxWaitFFSF || p.waiting != waitNone {
		t.Errorf("state %s waiting %d after release", m.state, p.waiting)
	}
}

// keepingPort holds on to the first delivered chain.
type keepingPort struct {
	*fakePort
	keep **netbuf.Chain
}

func (p *keepingPort) deliver(c *netbuf.Chain, remaining int) {
	p.delivered = append(p.delivered, delivered{data: c.Bytes(), remaining: remaining})
	*p.keep = c
}

func TestRx_RequirePadding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireRxPadding = true
	p := newFakePort(2, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	feed(m, 0x02, 0x10, 0x03)
	if len(p.delivered) != 0 {
		t.Fatalf("unpadded SF accepted")
	}
	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	feed(m, 0x21, 6, 7)
	if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrLink) {
		t.Fatalf("errors = %v", p.errs)
	}
}

func TestRx_MessageLargerThanPool(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 2, 16)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	feed(m, 0x10, 100, 0, 1, 2, 3, 4, 5)
	if len(p.fcs) != 1 || p.fcs[0].status != FlowStatusOverflow {
		t.Fatalf("FCs = %+v", p.fcs)
	}
	if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrBufferOverflw) {
		t.Fatalf("errors = %v", p.errs)
	}
}

func TestRx_FixedAddressingLearnsPeer(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	m.onFrame(driver.Frame{ID: 0x18DA10F1, Extended: true, Data: []byte{0x10, 20, 0, 1, 2, 3, 4, 5}})
	m.run()
	if p.peer != 0x18DA10F1 {
		t.Errorf("peer = 0x%X", p.peer)
	}
}

func TestRx_FixedAddressingSingleFrameLearnsPeer(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 4, 64)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	m.onFrame(driver.Frame{ID: 0x18DA10F2, Extended: true, Data: []byte{0x02, 0x10, 0x03}})
	m.run()
	if len(p.delivered) != 1 {
		t.Fatalf("delivered %d messages", len(p.delivered))
	}
	if p.peer != 0x18DA10F2 {
		t.Errorf("peer = 0x%X", p.peer)
	}
}

func TestRx_CFLargerThanBlock(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 4, 8)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{BS: 1})

	// classic FF: one block of 7 bytes is reserved per CF
	feed(m, 0x10, 100, 1, 2, 3, 4, 5, 6)
	if len(p.fcs) != 1 || p.fcs[0].status != FlowStatusContinueToSend {
		t.Fatalf("fcs = %+v", p.fcs)
	}
	cf := make([]byte, driver.FDMaxLen)
	cf[0] = 0x21
	feed(m, cf...)
	if len(p.errs) != 1 || !errors.Is(p.errs[0], ErrNoBufDataLeft) {
		t.Fatalf("errors = %v", p.errs)
	}
	if st := p.dataPool.Stats(); st.InUse != 0 {
		t.Errorf("data blocks leaked: %d", st.InUse)
	}
}

func TestRx_Unbind(t *testing.T) {
	cfg := DefaultConfig()
	p := newFakePort(2, 2, 16)
	m := newTestMachine(t, p, &cfg, FlowControlOptions{})

	held, _ := p.dataPool.Alloc(32)
	defer held.Unref()
	feed(m, 0x10, 20, 0, 1, 2, 3, 4, 5)
	m.unbind()
	if m.state != rxUnbound || p.waiting != waitNone || p.timerOn {
		t.Fatalf("state %s waiting %d timer %v", m.state, p.waiting, p.timerOn)
	}
	if st := p.ctxPool.Stats(); st.InUse != 0 {
		t.Errorf("ctx blocks leaked: %d", st.InUse)
	}
	feed(m, 0x01, 0xAA)
	if len(p.delivered) != 0 {
		t.Error("unbound machine delivered a frame")
	}
}
