package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CAN 经典帧与 CAN FD 帧的最大数据长度
const (
	ClassicMaxLen = 8
	FDMaxLen      = 64
)

var (
	ErrNotRunning   = errors.New("driver: device not running")
	ErrNoFreeFilter = errors.New("driver: no free receive filter")
	ErrTxTimeout    = errors.New("driver: transmit timed out")
	ErrTxQueueFull  = errors.New("driver: transmit queue full")
	ErrFrameTooLong = errors.New("driver: frame data too long")
	ErrFDNotCapable = errors.New("driver: link is not CAN FD capable")
)

// Frame 是链路层的通用 CAN/CAN-FD 帧，Data 的长度即帧的数据长度 (DL)。
type Frame struct {
	ID       uint32
	Extended bool // 29 位标识符
	FD       bool
	BRS      bool
	Data     []byte
}

// Len 返回数据长度
func (f Frame) Len() int { return len(f.Data) }

// DLC 返回数据长度对应的 DLC 码
func (f Frame) DLC() byte { return LenToDLC(len(f.Data)) }

// Clone 深拷贝数据部分
func (f Frame) Clone() Frame {
	f.Data = append([]byte(nil), f.Data...)
	return f
}

func (f Frame) String() string {
	kind := "CAN"
	if f.FD {
		kind = "CANFD"
		if f.BRS {
			kind = "CANFD+BRS"
		}
	}
	if f.Extended {
		return fmt.Sprintf("%s 0x%08X [%02d] % 02X", kind, f.ID, len(f.Data), f.Data)
	}
	return fmt.Sprintf("%s 0x%03X [%02d] % 02X", kind, f.ID, len(f.Data), f.Data)
}

// DLCToLen 将 DLC 码转换为实际数据字节长度
func DLCToLen(dlc byte) int {
	switch {
	case dlc <= 8:
		return int(dlc)
	case dlc == 9:
		return 12
	case dlc == 10:
		return 16
	case dlc == 11:
		return 20
	case dlc == 12:
		return 24
	case dlc == 13:
		return 32
	case dlc == 14:
		return 48
	default:
		return 64
	}
}

// LenToDLC 将数据长度转换为 DLC 码 (向上取整到合法的 FD 长度)
func LenToDLC(n int) byte {
	switch {
	case n <= 8:
		return byte(n)
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}

// NearestFDLen 返回不小于 n 的最小合法帧长度
func NearestFDLen(n int) int {
	return DLCToLen(LenToDLC(n))
}

// ValidDataLength 判断 n 是否为合法的帧数据长度 (0..8, 12, 16, 20, 24, 32, 48, 64)
func ValidDataLength(n int) bool {
	return n >= 0 && n <= FDMaxLen && NearestFDLen(n) == n
}

// CANDriver 定义了原始 CAN/CAN-FD 设备的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(f Frame) error
	RxChan() <-chan Frame
	Context() context.Context
}

// Filter 是一个接收过滤器：(frame.ID & Mask) == (ID & Mask)，且标识符类型一致
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// Match 判断帧是否通过过滤器
func (f Filter) Match(fr Frame) bool {
	return fr.Extended == f.Extended && fr.ID&f.Mask == f.ID&f.Mask
}

// RxFunc 在接收到匹配帧时被调用，不得阻塞
type RxFunc func(Frame)

// TxDone 在一帧发送完成 (或失败) 时被调用，每帧恰好一次
type TxDone func(error)

// Capabilities 描述链路能力
type Capabilities struct {
	FD         bool
	MaxFilters int
}

// Device 是 ISO-TP 引擎使用的链路层接口：
// 非阻塞发送 + 完成回调，以及接收过滤器注册。
type Device interface {
	Send(f Frame, timeout time.Duration, done TxDone) error
	AddRxFilter(f Filter, cb RxFunc) (int, error)
	RemoveRxFilter(id int)
	Capabilities() Capabilities
}
