package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
)

// DialFunc opens the tunnel connection for a Link.
type DialFunc func(ctx context.Context) (Conn, error)

// Link is a driver.CANDriver whose bus lives at the other end of a tunnel.
type Link struct {
	name   string
	fd     bool
	dial   DialFunc
	log    zerolog.Logger
	rxChan chan driver.Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    Conn
	running bool
	wg      sync.WaitGroup
}

// NewLink returns a tunnel driver. The connection is opened by Init.
func NewLink(name string, fd bool, dial DialFunc, logger zerolog.Logger) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		name:   name,
		fd:     fd,
		dial:   dial,
		log:    logger,
		rxChan: make(chan driver.Frame, driver.RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init dials the peer and announces this node.
func (l *Link) Init() error {
	conn, err := l.dial(l.ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(Envelope{Kind: KindHello, Node: l.name, FD: l.fd}); err != nil {
		conn.Close()
		return fmt.Errorf("tunnel: hello: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.log.Info().Str("peer", conn.RemoteAddr()).Msg("tunnel connected")
	return nil
}

func (l *Link) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || l.conn == nil {
		return
	}
	l.running = true
	l.wg.Add(1)
	go l.readLoop(l.conn)
}

func (l *Link) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	l.cancel()
	conn.Close()
	l.wg.Wait()
	close(l.rxChan)
}

func (l *Link) Write(f driver.Frame) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return driver.ErrNotRunning
	}
	if f.FD && !l.fd {
		return driver.ErrFDNotCapable
	}
	return conn.WriteEnvelope(FrameEnvelope(f))
}

func (l *Link) RxChan() <-chan driver.Frame { return l.rxChan }
func (l *Link) Context() context.Context  { return l.ctx }

func (l *Link) readLoop(conn Conn) {
	defer l.wg.Done()
	for {
		e, err := conn.ReadEnvelope()
		if err != nil {
			if !errors.Is(err, ErrClosed) && l.ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("tunnel read failed")
			}
			return
		}
		if e.Kind != KindFrame {
			continue
		}
		f, err := e.Frame()
		if err != nil {
			l.log.Debug().Err(err).Msg("tunnel frame dropped")
			continue
		}
		select {
		case l.rxChan <- f:
		default:
			l.log.Warn().Stringer("frame", f).Msg("tunnel rx channel full")
		}
	}
}
