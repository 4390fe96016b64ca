package driver

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// SLCAN 波特率命令 (S0..S8)
var slcanBitrates = map[int]byte{
	10000: '0', 20000: '1', 50000: '2', 100000: '3', 125000: '4',
	250000: '5', 500000: '6', 800000: '7', 1000000: '8',
}

// SLCANOptions 配置串口 SLCAN (Lawicel) 适配器
type SLCANOptions struct {
	Port     string
	BaudRate int // 串口波特率
	Bitrate  int // CAN 总线波特率
	FD       bool
	Logger   zerolog.Logger
}

// SLCAN 通过串口与 SLCAN 固件通信的驱动
type SLCAN struct {
	opts   SLCANOptions
	port   serial.Port
	rxChan chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	wmu     sync.Mutex
	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewSLCAN 创建 SLCAN 驱动
func NewSLCAN(opts SLCANOptions) *SLCAN {
	if opts.BaudRate == 0 {
		opts.BaudRate = 115200
	}
	if opts.Bitrate == 0 {
		opts.Bitrate = 500000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		opts:   opts,
		rxChan: make(chan Frame, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init 打开串口并配置通道
func (s *SLCAN) Init() error {
	code, ok := slcanBitrates[s.opts.Bitrate]
	if !ok {
		return fmt.Errorf("slcan: unsupported bitrate %d", s.opts.Bitrate)
	}
	port, err := serial.Open(s.opts.Port, &serial.Mode{
		BaudRate: s.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("slcan: open %s: %w", s.opts.Port, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("slcan: set read timeout: %w", err)
	}
	s.port = port
	for _, cmd := range []string{"C", "S" + string(code), "O"} {
		if err := s.command(cmd); err != nil {
			port.Close()
			return err
		}
	}
	s.opts.Logger.Info().Str("port", s.opts.Port).Int("bitrate", s.opts.Bitrate).Msg("SLCAN channel opened")
	return nil
}

func (s *SLCAN) command(cmd string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("slcan: command %q: %w", cmd, err)
	}
	return nil
}

// Start 启动接收 goroutine
func (s *SLCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.port == nil {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.readLoop()
}

// Stop 关闭通道和串口
func (s *SLCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	_ = s.command("C")
	s.port.Close()
	close(s.rxChan)
}

// Write 发送一帧
func (s *SLCAN) Write(f Frame) error {
	if s.port == nil {
		return ErrNotRunning
	}
	if f.FD && !s.opts.FD {
		return ErrFDNotCapable
	}
	line, err := FormatSLCAN(f)
	if err != nil {
		return err
	}
	return s.command(line)
}

func (s *SLCAN) RxChan() <-chan Frame       { return s.rxChan }
func (s *SLCAN) Context() context.Context { return s.ctx }

func (s *SLCAN) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 256)
	var line []byte
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			s.opts.Logger.Error().Err(err).Msg("SLCAN read failed")
			return
		}
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				s.handleLine(string(line))
				line = line[:0]
			case 0x07: // BEL: 命令错误
				s.opts.Logger.Warn().Msg("SLCAN adapter rejected a command")
				line = line[:0]
			default:
				line = append(line, c)
			}
		}
	}
}

func (s *SLCAN) handleLine(line string) {
	if line == "" || line == "z" || line == "Z" {
		return
	}
	f, err := ParseSLCAN(line)
	if err != nil {
		s.opts.Logger.Debug().Err(err).Str("line", line).Msg("SLCAN line ignored")
		return
	}
	select {
	case s.rxChan <- f:
	default:
		s.opts.Logger.Warn().Stringer("frame", f).Msg("SLCAN rx channel full")
	}
}

// FormatSLCAN 将帧编码为 SLCAN 文本命令 (不含结尾的 \r)
func FormatSLCAN(f Frame) (string, error) {
	if !ValidDataLength(len(f.Data)) || (!f.FD && len(f.Data) > ClassicMaxLen) {
		return "", ErrFrameTooLong
	}
	var cmd byte
	switch {
	case f.FD && f.BRS:
		cmd = 'b'
	case f.FD:
		cmd = 'd'
	default:
		cmd = 't'
	}
	var sb strings.Builder
	if f.Extended {
		sb.WriteByte(cmd - 0x20) // 大写表示扩展帧
		fmt.Fprintf(&sb, "%08X", f.ID&0x1FFFFFFF)
	} else {
		sb.WriteByte(cmd)
		fmt.Fprintf(&sb, "%03X", f.ID&0x7FF)
	}
	fmt.Fprintf(&sb, "%X", f.DLC())
	sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Data)))
	return sb.String(), nil
}

// ParseSLCAN 解析一条 SLCAN 接收报文 (不含结尾的 \r)
func ParseSLCAN(line string) (Frame, error) {
	if len(line) < 1 {
		return Frame{}, fmt.Errorf("slcan: empty line")
	}
	var f Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		f.Extended, idLen = true, 8
	case 'd':
		f.FD = true
	case 'D':
		f.FD, f.Extended, idLen = true, true, 8
	case 'b':
		f.FD, f.BRS = true, true
	case 'B':
		f.FD, f.BRS, f.Extended, idLen = true, true, true, 8
	default:
		return Frame{}, fmt.Errorf("slcan: unsupported command %q", line[0])
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, fmt.Errorf("slcan: truncated line %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad identifier: %w", err)
	}
	f.ID = uint32(id)
	dlc, err := strconv.ParseUint(line[1+idLen:2+idLen], 16, 8)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad DLC: %w", err)
	}
	if !f.FD && dlc > 8 {
		return Frame{}, fmt.Errorf("slcan: DLC %d on classic frame", dlc)
	}
	n := DLCToLen(byte(dlc))
	payload := line[2+idLen:]
	// 部分固件在数据后附带 4 位十六进制时间戳
	if len(payload) < 2*n {
		return Frame{}, fmt.Errorf("slcan: expected %d data bytes, line %q", n, line)
	}
	f.Data, err = hex.DecodeString(payload[:2*n])
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad data: %w", err)
	}
	return f, nil
}
