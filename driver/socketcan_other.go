//go:build !linux

package driver

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrSocketCANUnsupported 在非 Linux 平台上由 SocketCAN.Init 返回
var ErrSocketCANUnsupported = errors.New("socketcan: only supported on linux")

// SocketCAN 在非 Linux 平台上不可用
type SocketCAN struct {
	iface  string
	log    zerolog.Logger
	rxChan chan Frame
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSocketCAN(iface string, withFD bool, logger zerolog.Logger) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{iface: iface, log: logger, rxChan: make(chan Frame), ctx: ctx, cancel: cancel}
}

func (s *SocketCAN) Init() error {
	s.log.Error().Str("iface", s.iface).Msg("[SocketCAN] 当前平台不支持")
	return ErrSocketCANUnsupported
}

func (s *SocketCAN) Start()                   {}
func (s *SocketCAN) Stop()                    { s.cancel() }
func (s *SocketCAN) Write(f Frame) error      { return ErrSocketCANUnsupported }
func (s *SocketCAN) RxChan() <-chan Frame     { return s.rxChan }
func (s *SocketCAN) Context() context.Context { return s.ctx }
