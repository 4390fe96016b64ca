// Package tp implements the ISO 15765-2 transport protocol on top of a CAN
// link: segmentation and reassembly with flow control, timing supervision
// and bounded receive buffers.
package tp

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/netbuf"
	"github.com/LoveWonYoung/canisotp/workq"
)

// ctxBlockSize holds any single frame or first frame payload.
const ctxBlockSize = driver.FDMaxLen

// Engine owns the buffer pools, the wait lists and the workers shared by
// all bindings and transfers.
type Engine struct {
	cfg Config
	log zerolog.Logger
	q   *workq.Queue

	ctxPool  *netbuf.Pool
	dataPool *netbuf.Pool
	ffSfWait *waitList
	dataWait *waitList

	stats statistics

	mu        sync.Mutex
	closed    bool
	bindings  map[*Binding]struct{}
	transfers map[*Transfer]struct{}
}

// NewEngine validates cfg and starts the workers.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "isotp").Logger(),
		q:         workq.NewQueue(cfg.Workers),
		ctxPool:   netbuf.NewPool("ffsf", cfg.RxSFFFBufCount, ctxBlockSize),
		dataPool:  netbuf.NewPool("data", cfg.RxBufCount, cfg.RxBufSize),
		ffSfWait:  newWaitList("ffsf"),
		dataWait:  newWaitList("data"),
		bindings:  make(map[*Binding]struct{}),
		transfers: make(map[*Transfer]struct{}),
	}
	e.ctxPool.OnRelease(e.ffSfWait.wakeAll)
	e.dataPool.OnRelease(e.dataWait.wakeAll)

	e.log.Debug().
		Int("contexts", cfg.RxSFFFBufCount).
		Int("blocks", cfg.RxBufCount).
		Int("block_size", cfg.RxBufSize).
		Msg("engine started")
	return e, nil
}

// Config returns the configuration the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

// Close aborts every transfer, unbinds every binding and stops the workers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	transfers := make([]*Transfer, 0, len(e.transfers))
	for t := range e.transfers {
		transfers = append(transfers, t)
	}
	bindings := make([]*Binding, 0, len(e.bindings))
	for b := range e.bindings {
		bindings = append(bindings, b)
	}
	e.mu.Unlock()

	for _, t := range transfers {
		t.Abort()
	}
	for _, b := range bindings {
		b.Unbind()
	}
	e.q.Close()
	e.log.Debug().Msg("engine closed")
}

// Stats returns counters and pool usage.
func (e *Engine) Stats() Stats {
	st := e.stats.snapshot()
	st.Pools = []netbuf.Stats{e.ctxPool.Stats(), e.dataPool.Stats()}
	st.WaitingCtx = e.ffSfWait.len()
	st.WaitingData = e.dataWait.len()
	e.mu.Lock()
	st.Bindings = len(e.bindings)
	st.Transfers = len(e.transfers)
	e.mu.Unlock()
	return st
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) addBinding(b *Binding) {
	e.mu.Lock()
	e.bindings[b] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) removeBinding(b *Binding) {
	e.mu.Lock()
	delete(e.bindings, b)
	e.mu.Unlock()
}

// addTransfer reports false when MaxTransfers are already in progress.
func (e *Engine) addTransfer(t *Transfer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.transfers) >= e.cfg.MaxTransfers {
		return false
	}
	e.transfers[t] = struct{}{}
	return true
}

func (e *Engine) removeTransfer(t *Transfer) {
	e.mu.Lock()
	delete(e.transfers, t)
	e.mu.Unlock()
}
