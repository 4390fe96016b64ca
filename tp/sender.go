package tp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/netbuf"
	"github.com/LoveWonYoung/canisotp/workq"
)

type txState int

const (
	txReset txState = iota
	txSendSF
	txSendFF
	txWaitFC
	txSendCF
	txWaitST
	txWaitBacklog
	txWaitFin
	txErr
)

// Progress tells how far a transfer got. Sent counts payload bytes the link
// confirmed, Queued also counts those still waiting for confirmation.
type Progress struct {
	Sent   int
	Queued int
}

type txEvent struct {
	frame  driver.Frame
	isDone bool
	err    error
}

// Transfer is one message being sent.
type Transfer struct {
	e   *Engine
	dev driver.Device
	tx  MsgID
	rx  MsgID
	log zerolog.Logger

	work  *workq.Work
	timer *workq.Timer

	mu       sync.Mutex
	state    txState
	data     []byte
	chain    *netbuf.Chain
	total    int
	queued   int
	sent     int
	inflight []int // payload sizes of unconfirmed frames, oldest first
	sn       uint8
	bs       uint8 // CFs left before the next FC, unused if peerBS is 0
	peerBS   uint8
	stmin    time.Duration
	stArmed  bool
	cfSent   bool
	wft      int
	filterID int
	err      error
	notified bool

	evMu   sync.Mutex
	events []txEvent

	cb    func(error)
	done  chan struct{}
	final error
}

// Send transmits data from tx and blocks until the transfer completes or
// ctx is done. Cancelling ctx aborts the transfer.
func (e *Engine) Send(ctx context.Context, dev driver.Device, data []byte, tx, rx MsgID) error {
	t, err := e.SendAsync(dev, data, tx, rx, nil)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// SendAsync starts sending data and returns immediately. cb, if not nil, is
// called exactly once with the final status. data must not be modified until
// then.
func (e *Engine) SendAsync(dev driver.Device, data []byte, tx, rx MsgID, cb func(error)) (*Transfer, error) {
	return e.startTransfer(dev, data, nil, tx, rx, cb)
}

// SendChain sends the contents of c. On success the transfer takes over the
// caller's reference to c.
func (e *Engine) SendChain(dev driver.Device, c *netbuf.Chain, tx, rx MsgID, cb func(error)) (*Transfer, error) {
	if c == nil {
		return nil, newErrorf(InvalidConfig, "nil chain")
	}
	return e.startTransfer(dev, nil, c, tx, rx, cb)
}

func (e *Engine) startTransfer(dev driver.Device, data []byte, c *netbuf.Chain, tx, rx MsgID, cb func(error)) (*Transfer, error) {
	if e.isClosed() {
		return nil, newErrorf(NResultError, "engine closed")
	}
	caps := dev.Capabilities()
	if err := tx.validate(caps); err != nil {
		return nil, err
	}
	if err := rx.validate(caps); err != nil {
		return nil, err
	}
	total := len(data)
	if c != nil {
		total = c.Len()
	}
	if total == 0 {
		return nil, newErrorf(InvalidConfig, "empty payload")
	}
	if int64(total) > math.MaxUint32 {
		return nil, newErrorf(InvalidConfig, "payload of %d bytes is too long", total)
	}

	t := &Transfer{
		e:        e,
		dev:      dev,
		tx:       tx,
		rx:       rx,
		log:      e.log.With().Stringer("tx", tx).Int("len", total).Logger(),
		data:     data,
		chain:    c,
		total:    total,
		filterID: -1,
		cb:       cb,
		done:     make(chan struct{}),
	}
	t.work = e.q.NewWork(t.process)
	t.timer = workq.NewTimer(t.work.Submit)

	if total <= sfMaxLen(tx.dl(), tx.extLen()) {
		t.state = txSendSF
	} else {
		id, err := dev.AddRxFilter(rx.rxFilter(), t.onFrame)
		if err != nil {
			e.stats.failure(NoFreeFilter)
			return nil, newErrorf(NoFreeFilter, "add flow control filter for %s: %v", rx, err)
		}
		t.filterID = id
		t.state = txSendFF
	}

	if !e.addTransfer(t) {
		if t.filterID >= 0 {
			dev.RemoveRxFilter(t.filterID)
		}
		e.stats.failure(NoCtxLeft)
		return nil, newErrorf(NoCtxLeft, "%d transfers already in progress", e.cfg.MaxTransfers)
	}
	t.log.Debug().Msg("transfer started")
	t.work.Submit()
	return t, nil
}

// Wait blocks until the transfer completes. If ctx is done first the
// transfer is aborted and the error matches both ErrAborted and ctx.Err().
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.final
	case <-ctx.Done():
	}
	t.Abort()
	<-t.done
	if errors.Is(t.final, ErrAborted) {
		return fmt.Errorf("%w: %w", t.final, ctx.Err())
	}
	return t.final
}

// Done is closed when the transfer has completed.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Err returns the final status once Done is closed.
func (t *Transfer) Err() error {
	select {
	case <-t.done:
		return t.final
	default:
		return nil
	}
}

// Progress reports the bytes sent so far.
func (t *Transfer) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{Sent: t.sent, Queued: t.queued}
}

// Abort stops the transfer and completes it with ErrAborted. Frames already
// handed to the link may still go out; they are counted in Queued but not
// in Sent.
func (t *Transfer) Abort() Progress {
	t.mu.Lock()
	p := Progress{Sent: t.sent, Queued: t.queued}
	if t.state == txReset {
		t.mu.Unlock()
		return p
	}
	t.err = newErrorf(Aborted, "aborted after %d of %d bytes", t.sent, t.total)
	t.finish()
	notify := !t.notified
	t.notified = true
	t.mu.Unlock()

	if notify {
		t.complete()
	}
	return p
}

func (t *Transfer) onFrame(f driver.Frame) {
	t.e.stats.frameRx()
	t.evMu.Lock()
	t.events = append(t.events, txEvent{frame: f.Clone()})
	t.evMu.Unlock()
	t.work.Submit()
}

func (t *Transfer) onTxDone(err error) {
	t.evMu.Lock()
	t.events = append(t.events, txEvent{isDone: true, err: err})
	t.evMu.Unlock()
	t.work.Submit()
}

func (t *Transfer) takeEvents() []txEvent {
	t.evMu.Lock()
	defer t.evMu.Unlock()
	ev := t.events
	t.events = nil
	return ev
}

func (t *Transfer) process() {
	t.mu.Lock()
	if t.state == txReset {
		t.mu.Unlock()
		t.takeEvents()
		return
	}
	for _, ev := range t.takeEvents() {
		if ev.isDone {
			t.handleDone(ev.err)
		} else {
			t.handleFrame(ev.frame)
		}
	}
	if t.timer.Expired() {
		t.onTimeout()
	}
	t.run()
	notify := t.state == txReset && !t.notified
	if notify {
		t.notified = true
	}
	t.mu.Unlock()

	if notify {
		t.complete()
	}
}

func (t *Transfer) complete() {
	close(t.done)
	if t.cb != nil {
		t.cb(t.final)
	}
}

func (t *Transfer) fail(err error) {
	switch t.state {
	case txReset, txErr, txWaitFin:
		return
	}
	t.err = err
	t.state = txErr
}

func linkError(err error) error {
	if errors.Is(err, driver.ErrTxTimeout) {
		return newErrorf(NResultTimeoutA, "%v", err)
	}
	return newErrorf(NResultError, "%v", err)
}

func (t *Transfer) handleDone(err error) {
	if len(t.inflight) == 0 {
		return
	}
	n := t.inflight[0]
	t.inflight = t.inflight[1:]
	if err != nil {
		t.fail(linkError(err))
		return
	}
	t.sent += n
}

func (t *Transfer) handleFrame(f driver.Frame) {
	if !t.rx.acceptsExtAddr(f.Data) {
		return
	}
	pdu, err := ParsePDU(f.Data, t.rx.extLen())
	if err != nil || pdu.Type != PDUFlowControl {
		return
	}
	switch t.state {
	case txWaitFC:
	case txSendCF, txWaitST:
		t.fail(newErrorf(NResultUnexpPDU, "flow control while sending consecutive frames"))
		return
	default:
		return
	}

	cfg := &t.e.cfg
	switch pdu.FlowStatus {
	case FlowStatusContinueToSend:
		t.timer.Stop()
		t.wft = 0
		t.peerBS = pdu.BlockSize
		t.bs = pdu.BlockSize
		t.stmin = StMinToDuration(pdu.StMin)
		t.state = txSendCF
		if t.stmin > 0 && t.cfSent {
			// separation time also spans the block boundary
			t.stArmed = false
			t.state = txWaitST
		}
	case FlowStatusWait:
		t.e.stats.waitSeen()
		if t.wft >= cfg.WFTMax {
			t.fail(newErrorf(NResultWftOvrn, "peer sent more than %d wait frames", cfg.WFTMax))
			return
		}
		t.wft++
		t.timer.Start(cfg.TimeoutN_Bs)
	case FlowStatusOverflow:
		t.fail(newErrorf(NResultBufferOverflw, "receiver cannot take %d bytes", t.total))
	default:
		t.fail(newErrorf(NResultInvalidFS, "flow status %d", pdu.FlowStatus))
	}
}

func (t *Transfer) onTimeout() {
	switch t.state {
	case txWaitFC:
		t.fail(newErrorf(NResultTimeoutBs, "no flow control within %v", t.e.cfg.TimeoutN_Bs))
	case txWaitST:
		t.stArmed = false
		t.state = txSendCF
	}
}

// take returns the next n payload bytes.
func (t *Transfer) take(n int) []byte {
	n = min(n, t.total-t.queued)
	if t.chain != nil {
		p := make([]byte, n)
		t.chain.Pull(p)
		return p
	}
	return t.data[t.queued : t.queued+n]
}

func (t *Transfer) sendFrame(data []byte, payload int) bool {
	f := t.e.cfg.makeFrame(t.tx, data)
	if err := t.dev.Send(f, t.e.cfg.TimeoutN_As, t.onTxDone); err != nil {
		t.fail(linkError(err))
		return false
	}
	t.e.stats.frameTx()
	t.queued += payload
	t.inflight = append(t.inflight, payload)
	return true
}

func (t *Transfer) run() {
	cfg := &t.e.cfg
	ext := t.tx.extLen()
	for {
		switch t.state {
		case txSendSF:
			payload := t.take(t.total)
			if !t.sendFrame(encodeSF(t.tx, payload), len(payload)) {
				continue
			}
			t.state = txWaitBacklog

		case txSendFF:
			payload := t.take(ffDataLen(t.tx.dl(), ext, t.total))
			if !t.sendFrame(encodeFF(t.tx, t.total, payload), len(payload)) {
				continue
			}
			t.sn = 1
			t.timer.Start(cfg.TimeoutN_Bs)
			t.state = txWaitFC
			return

		case txSendCF:
			t.sendCFs()
			if t.state == txSendCF {
				return
			}

		case txWaitST:
			if len(t.inflight) == 0 && !t.stArmed {
				t.stArmed = true
				t.timer.Start(t.stmin)
			}
			return

		case txWaitBacklog:
			if len(t.inflight) > 0 {
				return
			}
			t.state = txWaitFin

		case txErr:
			t.log.Warn().Err(t.err).Int("sent", t.sent).Msg("transfer failed")
			t.state = txWaitFin

		case txWaitFin:
			t.finish()
			return

		default:
			return
		}
	}
}

// sendCFs queues consecutive frames until the block, the separation time or
// the backlog limit stops it.
func (t *Transfer) sendCFs() {
	cfg := &t.e.cfg
	size := cfDataLen(t.tx.dl(), t.tx.extLen())
	for t.state == txSendCF {
		if t.queued == t.total {
			t.state = txWaitBacklog
			return
		}
		if len(t.inflight) >= cfg.MaxTxBacklog {
			return
		}
		payload := t.take(size)
		if !t.sendFrame(encodeCF(t.tx, t.sn, payload), len(payload)) {
			return
		}
		t.sn = (t.sn + 1) & snMask
		t.cfSent = true
		if t.queued == t.total {
			t.state = txWaitBacklog
			return
		}
		if t.peerBS != 0 {
			t.bs--
			if t.bs == 0 {
				t.timer.Start(cfg.TimeoutN_Bs)
				t.state = txWaitFC
				return
			}
		}
		if t.stmin > 0 {
			t.state = txWaitST
			return
		}
	}
}

func (t *Transfer) finish() {
	t.timer.Stop()
	if t.filterID >= 0 {
		t.dev.RemoveRxFilter(t.filterID)
		t.filterID = -1
	}
	if t.chain != nil {
		t.chain.Unref()
		t.chain = nil
	}
	t.final = t.err
	t.state = txReset
	if t.err == nil {
		t.e.stats.messageTx()
		t.log.Debug().Msg("transfer complete")
	} else {
		t.e.stats.failure(CodeOf(t.err))
	}
	t.e.removeTransfer(t)
}
