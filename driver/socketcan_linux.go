//go:build linux

package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// linux/can.h 中的帧布局
const (
	canMTU   = 16
	canFDMTU = 72

	canFDBRS = 0x01
	canFDFDF = 0x04
)

// SocketCAN 是 Linux 原生 CAN 套接字驱动 (CAN_RAW)
type SocketCAN struct {
	iface  string
	fd     int
	withFD bool
	log    zerolog.Logger

	rxChan chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewSocketCAN 创建 SocketCAN 驱动，iface 例如 "can0"、"vcan0"
func NewSocketCAN(iface string, withFD bool, logger zerolog.Logger) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:  iface,
		fd:     -1,
		withFD: withFD,
		log:    logger,
		rxChan: make(chan Frame, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init 打开并绑定 CAN_RAW 套接字
func (s *SocketCAN) Init() error {
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return fmt.Errorf("socketcan: interface %s: %w", s.iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socketcan: socket: %w", err)
	}
	if s.withFD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return fmt.Errorf("socketcan: enable FD frames: %w", err)
		}
	}
	// 读超时用于周期性检查停止信号
	tv := unix.Timeval{Usec: 100000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socketcan: set read timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socketcan: bind %s: %w", s.iface, err)
	}
	s.fd = fd
	s.log.Info().Str("iface", s.iface).Bool("fd", s.withFD).Msg("SocketCAN opened")
	return nil
}

// Start 启动接收 goroutine
func (s *SocketCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.fd < 0 {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.readLoop()
}

// Stop 停止接收并关闭套接字
func (s *SocketCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	unix.Close(s.fd)
	s.fd = -1
	close(s.rxChan)
}

// Write 发送一帧
func (s *SocketCAN) Write(f Frame) error {
	if s.fd < 0 {
		return ErrNotRunning
	}
	raw, err := marshalSocketCAN(f, s.withFD)
	if err != nil {
		return err
	}
	_, err = unix.Write(s.fd, raw)
	return err
}

func (s *SocketCAN) RxChan() <-chan Frame       { return s.rxChan }
func (s *SocketCAN) Context() context.Context { return s.ctx }

func (s *SocketCAN) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, canFDMTU)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			s.log.Error().Err(err).Str("iface", s.iface).Msg("SocketCAN read failed")
			return
		}
		f, err := unmarshalSocketCAN(buf[:n])
		if err != nil {
			s.log.Debug().Err(err).Msg("SocketCAN frame dropped")
			continue
		}
		select {
		case s.rxChan <- f:
		default:
			s.log.Warn().Stringer("frame", f).Msg("SocketCAN rx channel full")
		}
	}
}

func marshalSocketCAN(f Frame, fdEnabled bool) ([]byte, error) {
	id := f.ID & unix.CAN_SFF_MASK
	if f.Extended {
		id = f.ID&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG
	}
	if f.FD {
		if !fdEnabled {
			return nil, ErrFDNotCapable
		}
		if len(f.Data) > FDMaxLen {
			return nil, ErrFrameTooLong
		}
		raw := make([]byte, canFDMTU)
		binary.LittleEndian.PutUint32(raw[0:4], id)
		raw[4] = byte(len(f.Data))
		raw[5] = canFDFDF
		if f.BRS {
			raw[5] |= canFDBRS
		}
		copy(raw[8:], f.Data)
		return raw, nil
	}
	if len(f.Data) > ClassicMaxLen {
		return nil, ErrFrameTooLong
	}
	raw := make([]byte, canMTU)
	binary.LittleEndian.PutUint32(raw[0:4], id)
	raw[4] = byte(len(f.Data))
	copy(raw[8:], f.Data)
	return raw, nil
}

func unmarshalSocketCAN(raw []byte) (Frame, error) {
	if len(raw) != canMTU && len(raw) != canFDMTU {
		return Frame{}, fmt.Errorf("socketcan: unexpected frame size %d", len(raw))
	}
	id := binary.LittleEndian.Uint32(raw[0:4])
	if id&(unix.CAN_RTR_FLAG|unix.CAN_ERR_FLAG) != 0 {
		return Frame{}, errors.New("socketcan: remote or error frame")
	}
	f := Frame{}
	if id&unix.CAN_EFF_FLAG != 0 {
		f.Extended = true
		f.ID = id & unix.CAN_EFF_MASK
	} else {
		f.ID = id & unix.CAN_SFF_MASK
	}
	n := int(raw[4])
	if len(raw) == canFDMTU {
		f.FD = true
		f.BRS = raw[5]&canFDBRS != 0
		if n > FDMaxLen {
			n = FDMaxLen
		}
	} else if n > ClassicMaxLen {
		n = ClassicMaxLen
	}
	f.Data = append([]byte(nil), raw[8:8+n]...)
	return f, nil
}
