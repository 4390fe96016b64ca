package tunnel

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
)

// Bridge joins tunnel peers into one bus. If a local driver is attached,
// its frames are forwarded to every peer and peer frames are written to it.
// Without a local driver the bridge is a pure hub.
type Bridge struct {
	local driver.CANDriver
	log   zerolog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
	wg    sync.WaitGroup
}

type peer struct {
	conn Conn
	name string
}

// NewBridge creates a bridge; local may be nil.
func NewBridge(local driver.CANDriver, logger zerolog.Logger) *Bridge {
	return &Bridge{local: local, log: logger, peers: make(map[*peer]struct{})}
}

// Run pumps local frames to peers until ctx is done. The local driver must
// be initialized and started by the caller.
func (b *Bridge) Run(ctx context.Context) {
	if b.local == nil {
		<-ctx.Done()
		b.closePeers()
		return
	}
	rx := b.local.RxChan()
	for {
		select {
		case <-ctx.Done():
			b.closePeers()
			return
		case f, ok := <-rx:
			if !ok {
				b.closePeers()
				return
			}
			b.broadcast(nil, FrameEnvelope(f))
		}
	}
}

// Peers returns the number of connected peers.
func (b *Bridge) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Serve handles one peer connection until it closes.
func (b *Bridge) Serve(conn Conn) {
	p := &peer{conn: conn, name: conn.RemoteAddr()}
	b.mu.Lock()
	b.peers[p] = struct{}{}
	b.mu.Unlock()
	b.wg.Add(1)
	defer func() {
		b.mu.Lock()
		delete(b.peers, p)
		b.mu.Unlock()
		conn.Close()
		b.wg.Done()
	}()

	for {
		e, err := conn.ReadEnvelope()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				b.log.Debug().Err(err).Str("peer", p.name).Msg("peer read ended")
			}
			return
		}
		switch e.Kind {
		case KindHello:
			p.name = e.Node
			b.log.Info().Str("peer", e.Node).Bool("fd", e.FD).Str("addr", conn.RemoteAddr()).Msg("tunnel peer joined")
		case KindFrame:
			f, err := e.Frame()
			if err != nil {
				continue
			}
			if b.local != nil {
				if err := b.local.Write(f); err != nil {
					b.log.Warn().Err(err).Stringer("frame", f).Msg("bridge write to local link failed")
				}
			}
			b.broadcast(p, e)
		}
	}
}

// ServeHTTP upgrades WebSocket requests into peers.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := UpgradeWebSocket(w, r)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	b.Serve(conn)
}

// ServeQUIC accepts QUIC peers until ctx is done or the listener closes.
func (b *Bridge) ServeQUIC(ctx context.Context, ln *QUICListener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go b.Serve(conn)
	}
}

func (b *Bridge) broadcast(from *peer, e Envelope) {
	b.mu.Lock()
	targets := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		if p != from {
			targets = append(targets, p)
		}
	}
	b.mu.Unlock()
	for _, p := range targets {
		if err := p.conn.WriteEnvelope(e); err != nil {
			b.log.Debug().Err(err).Str("peer", p.name).Msg("peer write failed")
		}
	}
}

func (b *Bridge) closePeers() {
	b.mu.Lock()
	for p := range b.peers {
		p.conn.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
