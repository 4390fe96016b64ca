package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// 适配器默认参数
const (
	DefaultTxQueueSize = 256
	DefaultMaxFilters  = 32
)

// AdapterOptions 配置 Adapter
type AdapterOptions struct {
	FD          bool // 链路是否支持 CAN FD
	MaxFilters  int
	TxQueueSize int
	Logger      zerolog.Logger
}

type filterEntry struct {
	filter Filter
	cb     RxFunc
}

type txItem struct {
	frame    Frame
	deadline time.Time
	done     TxDone
}

// Adapter 把一个原始 CANDriver 包装成 Device：
// 维护接收过滤器表，并用单独的 goroutine 顺序发送帧，发送完成后回调。
type Adapter struct {
	driver CANDriver
	caps   Capabilities
	log    zerolog.Logger

	mu      sync.RWMutex
	filters map[int]filterEntry
	nextID  int

	txq    chan txItem
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter 初始化并启动设备，然后启动收发 goroutine
func NewAdapter(dev CANDriver, opts AdapterOptions) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()

	if opts.MaxFilters <= 0 {
		opts.MaxFilters = DefaultMaxFilters
	}
	if opts.TxQueueSize <= 0 {
		opts.TxQueueSize = DefaultTxQueueSize
	}

	ctx, cancel := context.WithCancel(dev.Context())
	a := &Adapter{
		driver:  dev,
		caps:    Capabilities{FD: opts.FD, MaxFilters: opts.MaxFilters},
		log:     opts.Logger,
		filters: make(map[int]filterEntry),
		txq:     make(chan txItem, opts.TxQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	a.wg.Add(2)
	go a.rxLoop()
	go a.txLoop()

	a.log.Debug().Bool("fd", opts.FD).Msg("CAN adapter started")
	return a, nil
}

// Close 停止收发 goroutine 并停止设备
func (a *Adapter) Close() {
	a.cancel()
	a.driver.Stop()
	a.wg.Wait()
	a.log.Debug().Msg("CAN adapter closed")
}

func (a *Adapter) Capabilities() Capabilities { return a.caps }

// Send 把帧放入发送队列，不阻塞。done 在帧写入设备后调用；
// 若帧在 timeout 内未能写入，则以 ErrTxTimeout 回调。
func (a *Adapter) Send(f Frame, timeout time.Duration, done TxDone) error {
	if f.FD && !a.caps.FD {
		return ErrFDNotCapable
	}
	limit := ClassicMaxLen
	if f.FD {
		limit = FDMaxLen
	}
	if len(f.Data) > limit {
		return ErrFrameTooLong
	}
	select {
	case <-a.ctx.Done():
		return ErrNotRunning
	default:
	}

	item := txItem{frame: f.Clone(), done: done}
	if timeout > 0 {
		item.deadline = time.Now().Add(timeout)
	}
	select {
	case a.txq <- item:
		return nil
	default:
		return ErrTxQueueFull
	}
}

// AddRxFilter 注册接收过滤器，返回过滤器编号
func (a *Adapter) AddRxFilter(f Filter, cb RxFunc) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.filters) >= a.caps.MaxFilters {
		return -1, ErrNoFreeFilter
	}
	id := a.nextID
	a.nextID++
	a.filters[id] = filterEntry{filter: f, cb: cb}
	return id, nil
}

// RemoveRxFilter 注销接收过滤器
func (a *Adapter) RemoveRxFilter(id int) {
	a.mu.Lock()
	delete(a.filters, id)
	a.mu.Unlock()
}

func (a *Adapter) rxLoop() {
	defer a.wg.Done()
	rx := a.driver.RxChan()
	var matched []RxFunc
	for {
		select {
		case <-a.ctx.Done():
			return
		case f, ok := <-rx:
			if !ok {
				return
			}
			matched = matched[:0]
			a.mu.RLock()
			for _, e := range a.filters {
				if e.filter.Match(f) {
					matched = append(matched, e.cb)
				}
			}
			a.mu.RUnlock()
			for _, cb := range matched {
				cb(f)
			}
		}
	}
}

func (a *Adapter) txLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			a.drainTx()
			return
		case item := <-a.txq:
			a.transmit(item)
		}
	}
}

func (a *Adapter) transmit(item txItem) {
	if !item.deadline.IsZero() && time.Now().After(item.deadline) {
		a.complete(item, ErrTxTimeout)
		return
	}
	err := a.driver.Write(item.frame)
	if err != nil {
		a.log.Warn().Err(err).Stringer("frame", item.frame).Msg("CAN write failed")
	}
	a.complete(item, err)
}

func (a *Adapter) drainTx() {
	for {
		select {
		case item := <-a.txq:
			a.complete(item, ErrNotRunning)
		default:
			return
		}
	}
}

func (a *Adapter) complete(item txItem, err error) {
	if item.done != nil {
		item.done(err)
	}
}
