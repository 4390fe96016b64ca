package tp

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/netbuf"
	"github.com/LoveWonYoung/canisotp/workq"
)

// maxPendingFrames bounds frames queued between the link callback and the
// state machine.
const maxPendingFrames = 4096

type rxItem struct {
	chain     *netbuf.Chain
	remaining int  // bytes of the message still to come after chain
	cont      bool // chain continues a message delivered earlier
	err       error
}

// Binding receives ISO-TP messages addressed to one rx MsgID and answers
// them with flow control on the tx MsgID.
type Binding struct {
	e        *Engine
	dev      driver.Device
	rx       MsgID
	opts     FlowControlOptions
	filterID int
	log      zerolog.Logger

	work  *workq.Work
	timer *workq.Timer

	mu       sync.Mutex
	tx       MsgID
	m        rxMachine
	waitOn   *waitList
	waitElem *list.Element
	inMsg    bool

	evMu    sync.Mutex
	events  []driver.Frame
	dropped int

	qmu     sync.Mutex
	fifo    []rxItem
	qready  chan struct{}
	unbound bool

	recvMu     sync.Mutex
	pending    *netbuf.Chain
	pendingRem int
}

// Bind registers a receiver on dev. Frames matching rx are reassembled and
// queued for Recv, RecvChain and ReadMessage until Unbind.
func (e *Engine) Bind(dev driver.Device, rx, tx MsgID, opts FlowControlOptions) (*Binding, error) {
	if e.isClosed() {
		return nil, newErrorf(NResultError, "engine closed")
	}
	caps := dev.Capabilities()
	if err := rx.validate(caps); err != nil {
		return nil, err
	}
	if err := tx.validate(caps); err != nil {
		return nil, err
	}

	ctx, err := e.ctxPool.Alloc(e.ctxPool.BlockSize())
	if err != nil {
		e.stats.failure(NoNetBufLeft)
		return nil, newErrorf(NoNetBufLeft, "no parsing context left for %s", rx)
	}

	b := &Binding{
		e:      e,
		dev:    dev,
		rx:     rx,
		tx:     tx,
		opts:   opts,
		log:    e.log.With().Stringer("rx", rx).Logger(),
		qready: make(chan struct{}),
	}
	b.work = e.q.NewWork(b.process)
	b.timer = workq.NewTimer(b.work.Submit)
	b.m = newRxMachine(b, &e.cfg, rx, opts, ctx)

	id, err := dev.AddRxFilter(rx.rxFilter(), b.onFrame)
	if err != nil {
		ctx.Unref()
		e.stats.failure(NoFreeFilter)
		return nil, newErrorf(NoFreeFilter, "add filter for %s: %v", rx, err)
	}
	b.filterID = id
	e.addBinding(b)

	b.log.Debug().Stringer("tx", tx).Uint8("bs", opts.BS).Uint8("stmin", opts.STmin).Msg("binding created")
	return b, nil
}

// Unbind stops reception. Queued messages are discarded and blocked
// receivers return ErrAborted. Unbind is idempotent.
func (b *Binding) Unbind() {
	b.dev.RemoveRxFilter(b.filterID)

	b.mu.Lock()
	if b.m.state == rxUnbound {
		b.mu.Unlock()
		return
	}
	b.m.unbind()
	b.mu.Unlock()

	b.evMu.Lock()
	b.events = nil
	b.evMu.Unlock()

	b.qmu.Lock()
	b.unbound = true
	items := b.fifo
	b.fifo = nil
	close(b.qready)
	b.qmu.Unlock()
	for _, it := range items {
		it.chain.Unref()
	}

	b.recvMu.Lock()
	b.pending.Unref()
	b.pending = nil
	b.recvMu.Unlock()

	b.e.removeBinding(b)
	b.log.Debug().Msg("binding removed")
}

// RxID returns the address the binding listens on.
func (b *Binding) RxID() MsgID { return b.rx }

// TxID returns the address flow control and replies go to. Under fixed
// addressing it follows the source address of the last single or first frame.
func (b *Binding) TxID() MsgID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tx
}

// Send transmits data to the current TxID and waits for completion.
func (b *Binding) Send(ctx context.Context, data []byte) error {
	return b.e.Send(ctx, b.dev, data, b.TxID(), b.rx)
}

func (b *Binding) onFrame(f driver.Frame) {
	b.e.stats.frameRx()
	b.evMu.Lock()
	if len(b.events) >= maxPendingFrames {
		b.dropped++
		b.evMu.Unlock()
		return
	}
	b.events = append(b.events, f.Clone())
	b.evMu.Unlock()
	b.work.Submit()
}

func (b *Binding) nextEvent() (driver.Frame, bool) {
	b.evMu.Lock()
	defer b.evMu.Unlock()
	if len(b.events) == 0 {
		if b.dropped > 0 {
			b.log.Warn().Int("dropped", b.dropped).Msg("receive backlog overflowed")
			b.dropped = 0
		}
		return driver.Frame{}, false
	}
	f := b.events[0]
	b.events[0] = driver.Frame{}
	b.events = b.events[1:]
	return f, true
}

// process is the work handler. Frames go first: a CF restarts the timer and
// supersedes an expiry that raced with it.
func (b *Binding) process() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m.state == rxUnbound {
		return
	}
	for {
		f, ok := b.nextEvent()
		if !ok {
			break
		}
		b.m.onFrame(f)
		b.m.run()
	}
	if b.timer.Expired() {
		b.m.onTimeout()
	}
	b.m.run()
}

func (b *Binding) sendFC(status, bs, stmin uint8) error {
	f := b.e.cfg.makeFrame(b.tx, encodeFC(b.tx, status, bs, stmin))
	err := b.dev.Send(f, b.e.cfg.TimeoutN_As, func(err error) {
		if err != nil {
			b.log.Warn().Err(err).Uint8("status", status).Msg("flow control not sent")
		}
	})
	if err != nil {
		return err
	}
	b.e.stats.frameTx()
	if status == FlowStatusWait {
		b.e.stats.waitSent()
	}
	return nil
}

func (b *Binding) startTimer(d time.Duration) { b.timer.Start(d) }
func (b *Binding) stopTimer()                 { b.timer.Stop() }

func (b *Binding) allocCtx() (*netbuf.Chain, error) {
	return b.e.ctxPool.Alloc(b.e.ctxPool.BlockSize())
}

func (b *Binding) allocData(n int) (*netbuf.Chain, error) {
	return b.e.dataPool.Alloc(n)
}

func (b *Binding) dataCapacity() int { return b.e.dataPool.Capacity() }

func (b *Binding) waitForBuffers(kind waitKind) {
	b.waitOn = b.e.ffSfWait
	if kind == waitData {
		b.waitOn = b.e.dataWait
	}
	b.waitElem = b.waitOn.push(b)
}

func (b *Binding) stopWaiting() {
	if b.waitOn == nil {
		return
	}
	b.waitOn.remove(b.waitElem)
	b.waitOn, b.waitElem = nil, nil
}

func (b *Binding) deliver(c *netbuf.Chain, remaining int) {
	cont := b.inMsg
	b.inMsg = remaining > 0
	if remaining == 0 {
		b.e.stats.messageRx()
	}
	b.push(rxItem{chain: c, remaining: remaining, cont: cont})
}

func (b *Binding) report(err error) {
	b.inMsg = false
	b.e.stats.failure(CodeOf(err))
	b.log.Warn().Err(err).Msg("reception failed")
	b.push(rxItem{err: err})
}

// learnPeer runs under b.mu from process.
func (b *Binding) learnPeer(id uint32) {
	b.tx = b.tx.replyTo(id)
}

func (b *Binding) push(it rxItem) {
	b.qmu.Lock()
	if b.unbound {
		b.qmu.Unlock()
		it.chain.Unref()
		return
	}
	b.fifo = append(b.fifo, it)
	close(b.qready)
	b.qready = make(chan struct{})
	b.qmu.Unlock()
}

func (b *Binding) pop(ctx context.Context) (rxItem, error) {
	for {
		b.qmu.Lock()
		if len(b.fifo) > 0 {
			it := b.fifo[0]
			b.fifo[0] = rxItem{}
			b.fifo = b.fifo[1:]
			b.qmu.Unlock()
			return it, nil
		}
		if b.unbound {
			b.qmu.Unlock()
			return rxItem{}, newErrorf(Aborted, "binding %s unbound", b.rx)
		}
		ready := b.qready
		b.qmu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return rxItem{}, fmt.Errorf("%w: %w", ErrRecvTimeout, ctx.Err())
			}
			return rxItem{}, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
	}
}

// next returns a partially read chain first, then queued items.
func (b *Binding) next(ctx context.Context) (rxItem, error) {
	if b.pending != nil {
		it := rxItem{chain: b.pending, remaining: b.pendingRem, cont: true}
		b.pending = nil
		return it, nil
	}
	return b.pop(ctx)
}

// Recv copies received payload into buf. Successive calls return the bytes
// of a message in order; a reception error is returned once, in place of
// the data that was lost.
func (b *Binding) Recv(ctx context.Context, buf []byte) (int, error) {
	b.recvMu.Lock()
	defer b.recvMu.Unlock()
	if b.pending == nil {
		it, err := b.pop(ctx)
		if err != nil {
			return 0, err
		}
		if it.err != nil {
			return 0, it.err
		}
		b.pending, b.pendingRem = it.chain, it.remaining
	}
	n := b.pending.Pull(buf)
	if b.pending.Len() == 0 {
		b.pending.Unref()
		b.pending = nil
	}
	return n, nil
}

// RecvChain returns the next received chain and how many bytes of its
// message are still to come. The caller owns the chain and must Unref it.
func (b *Binding) RecvChain(ctx context.Context) (*netbuf.Chain, int, error) {
	b.recvMu.Lock()
	defer b.recvMu.Unlock()
	it, err := b.next(ctx)
	if err != nil {
		return nil, 0, err
	}
	if it.err != nil {
		return nil, 0, it.err
	}
	return it.chain, it.remaining, nil
}

// ReadMessage returns the next complete message. Blocks that belong to a
// message whose start was lost are skipped; on error the partial message is
// dropped.
func (b *Binding) ReadMessage(ctx context.Context) ([]byte, error) {
	b.recvMu.Lock()
	defer b.recvMu.Unlock()

	var msg []byte
	started := false
	for {
		it, err := b.next(ctx)
		if err != nil {
			return nil, err
		}
		if it.err != nil {
			return nil, it.err
		}
		if !started && it.cont {
			it.chain.Unref()
			continue
		}
		started = true
		msg = append(msg, it.chain.Bytes()...)
		it.chain.Unref()
		if it.remaining == 0 {
			return msg, nil
		}
	}
}
