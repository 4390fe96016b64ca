package driver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RxChannelBufferSize 是每个虚拟节点接收通道的缓冲区大小
const RxChannelBufferSize = 1024

// WriteRecord 记录一次写入总线的操作
type WriteRecord struct {
	Node      string
	Frame     Frame
	Timestamp time.Time
}

// MockCANResponse 定义预设的自动响应
type MockCANResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	ResponseID  uint32        // 响应的 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	Response    []byte        // 响应数据
	Delay       time.Duration // 响应延迟
}

// TxHook 在帧上总线之前被调用，可以修改帧；返回 false 表示丢弃该帧。
type TxHook func(node string, f Frame) (Frame, bool)

// VirtualBus 是进程内的虚拟 CAN 总线，用于开发和测试，不依赖实际硬件。
// 一个节点写入的帧会投递给其它所有运行中的节点。
type VirtualBus struct {
	mu        sync.Mutex
	fd        bool
	nodes     []*VirtualNode
	writeLog  []WriteRecord
	responses []MockCANResponse
	hook      TxHook
	dropped   uint64
	log       zerolog.Logger
}

// NewVirtualBus 创建虚拟总线，fd 表示总线是否为 CAN FD
func NewVirtualBus(fd bool, logger zerolog.Logger) *VirtualBus {
	return &VirtualBus{fd: fd, log: logger}
}

// FD 返回总线是否支持 CAN FD
func (b *VirtualBus) FD() bool { return b.fd }

// Node 在总线上创建一个新节点
func (b *VirtualBus) Node(name string) *VirtualNode {
	ctx, cancel := context.WithCancel(context.Background())
	n := &VirtualNode{
		bus:    b,
		name:   name,
		rxChan: make(chan Frame, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

// SetTxHook 设置发送钩子 (用于故障注入)，nil 表示清除
func (b *VirtualBus) SetTxHook(h TxHook) {
	b.mu.Lock()
	b.hook = h
	b.mu.Unlock()
}

// Inject 从总线外部注入一帧，投递给所有节点
func (b *VirtualBus) Inject(f Frame) {
	b.deliver(nil, f.Clone())
}

// AddResponse 添加一个预设响应
func (b *VirtualBus) AddResponse(triggerID, responseID uint32, triggerData, response []byte, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, MockCANResponse{
		TriggerID:   triggerID,
		ResponseID:  responseID,
		TriggerData: triggerData,
		Response:    response,
		Delay:       delay,
	})
}

// ClearResponses 清除所有预设响应
func (b *VirtualBus) ClearResponses() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = nil
}

// GetWriteLog 获取写入日志
func (b *VirtualBus) GetWriteLog() []WriteRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]WriteRecord{}, b.writeLog...)
}

// ClearWriteLog 清除写入日志
func (b *VirtualBus) ClearWriteLog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeLog = nil
}

// Dropped 返回因接收通道已满而丢弃的帧数
func (b *VirtualBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *VirtualBus) write(from *VirtualNode, f Frame) error {
	if f.FD && !b.fd {
		return ErrFDNotCapable
	}
	f = f.Clone()

	b.mu.Lock()
	if b.hook != nil {
		var keep bool
		f, keep = b.hook(from.name, f)
		if !keep {
			b.mu.Unlock()
			b.log.Trace().Str("node", from.name).Stringer("frame", f).Msg("[Virtual] TX dropped by hook")
			return nil
		}
	}
	b.writeLog = append(b.writeLog, WriteRecord{Node: from.name, Frame: f, Timestamp: time.Now()})
	var triggered []MockCANResponse
	for _, resp := range b.responses {
		if resp.TriggerID != f.ID {
			continue
		}
		if len(resp.TriggerData) > 0 && !bytes.HasPrefix(f.Data, resp.TriggerData) {
			continue
		}
		triggered = append(triggered, resp)
	}
	b.mu.Unlock()

	b.log.Trace().Str("node", from.name).Stringer("frame", f).Msg("[Virtual] TX")
	b.deliver(from, f)

	for _, r := range triggered {
		go func(r MockCANResponse) {
			time.Sleep(r.Delay)
			b.Inject(Frame{ID: r.ResponseID, Extended: r.ResponseID > 0x7FF, FD: f.FD, Data: r.Response})
		}(r)
	}
	return nil
}

func (b *VirtualBus) deliver(from *VirtualNode, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n == from || !n.isRunning() {
			continue
		}
		select {
		case n.rxChan <- f:
		default:
			b.dropped++
		}
	}
}

// VirtualNode 是虚拟总线上的一个 CANDriver
type VirtualNode struct {
	bus    *VirtualBus
	name   string
	rxChan chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	stopped bool
}

// Name 返回节点名称
func (n *VirtualNode) Name() string { return n.name }

// Init 初始化虚拟设备 (总是成功)
func (n *VirtualNode) Init() error { return nil }

// Start 启动虚拟设备
func (n *VirtualNode) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.running = true
}

// Stop 停止虚拟设备，之后不能再启动
func (n *VirtualNode) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.running = false
	n.stopped = true
	n.cancel()
}

// Write 写入一帧到总线
func (n *VirtualNode) Write(f Frame) error {
	if !n.isRunning() {
		return fmt.Errorf("virtual node %s: %w", n.name, ErrNotRunning)
	}
	return n.bus.write(n, f)
}

// RxChan 返回接收通道
func (n *VirtualNode) RxChan() <-chan Frame { return n.rxChan }

// Context 返回设备上下文
func (n *VirtualNode) Context() context.Context { return n.ctx }

func (n *VirtualNode) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
