package tunnel

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
)

func TestEnvelope_FrameFlagsSurviveEncoding(t *testing.T) {
	in := driver.Frame{ID: 0x18DA10F1, Extended: true, FD: true, BRS: true, Data: bytes.Repeat([]byte{0xA5}, 12)}
	raw, err := Encode(FrameEnvelope(in))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	e, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, err := e.Frame()
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if out.ID != in.ID || !out.Extended || !out.FD || !out.BRS || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("Frame changed in transit: %v -> %v", in, out)
	}
}

func TestEnvelope_RejectsOversizedClassicFrame(t *testing.T) {
	e := Envelope{Kind: KindFrame, ID: 0x7E0, Data: make([]byte, 12)}
	if _, err := e.Frame(); err == nil {
		t.Error("Expected error for 12-byte classic frame")
	}
	if _, err := (Envelope{Kind: KindHello}).Frame(); err == nil {
		t.Error("Expected error for hello envelope")
	}
}

func waitFrame(t *testing.T, ch <-chan driver.Frame) driver.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return driver.Frame{}
}

func waitPeers(t *testing.T, b *Bridge, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Peers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d peers, got %d", n, b.Peers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_HubForwardsBetweenPeers(t *testing.T) {
	hub := NewBridge(nil, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(ctx context.Context) (Conn, error) { return DialWebSocket(ctx, url, nil) }
	a := NewLink("tester", false, dial, zerolog.Nop())
	b := NewLink("ecu", false, dial, zerolog.Nop())
	for _, l := range []*Link{a, b} {
		if err := l.Init(); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		l.Start()
		defer l.Stop()
	}
	waitPeers(t, hub, 2)

	sent := driver.Frame{ID: 0x7E0, Data: []byte{0x02, 0x10, 0x03}}
	if err := a.Write(sent); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := waitFrame(t, b.RxChan())
	if got.ID != sent.ID || !bytes.Equal(got.Data, sent.Data) {
		t.Errorf("Expected %v, got %v", sent, got)
	}

	if err := a.Write(driver.Frame{ID: 0x7E0, FD: true, Data: make([]byte, 12)}); err == nil {
		t.Error("Expected FD write to fail on a classic tunnel link")
	}
}

func TestWebSocket_BridgeToVirtualBus(t *testing.T) {
	bus := driver.NewVirtualBus(false, zerolog.Nop())
	local := bus.Node("bridge")
	local.Start()
	ecu := bus.Node("ecu")
	ecu.Start()

	br := NewBridge(local, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	srv := httptest.NewServer(br)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	remote := NewLink("remote", false, func(ctx context.Context) (Conn, error) {
		return DialWebSocket(ctx, url, nil)
	}, zerolog.Nop())
	if err := remote.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	remote.Start()
	defer remote.Stop()
	waitPeers(t, br, 1)

	// remote -> bus
	if err := remote.Write(driver.Frame{ID: 0x7E0, Data: []byte{0x01, 0x3E}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if f := waitFrame(t, ecu.RxChan()); f.ID != 0x7E0 {
		t.Errorf("ECU got unexpected frame %v", f)
	}

	// bus -> remote
	if err := ecu.Write(driver.Frame{ID: 0x7E8, Data: []byte{0x02, 0x7E, 0x00}}); err != nil {
		t.Fatalf("ECU write failed: %v", err)
	}
	if f := waitFrame(t, remote.RxChan()); f.ID != 0x7E8 || !bytes.Equal(f.Data, []byte{0x02, 0x7E, 0x00}) {
		t.Errorf("remote got unexpected frame %v", f)
	}
}

func TestQUIC_HubForwardsBetweenPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("QUIC loopback skipped in short mode")
	}
	ln, err := ListenQUIC("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenQUIC failed: %v", err)
	}
	hub := NewBridge(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.ServeQUIC(ctx, ln)
	defer ln.Close()

	addr := ln.Addr().String()
	dial := func(ctx context.Context) (Conn, error) { return DialQUIC(ctx, addr, nil) }
	a := NewLink("a", true, dial, zerolog.Nop())
	b := NewLink("b", true, dial, zerolog.Nop())
	for _, l := range []*Link{a, b} {
		if err := l.Init(); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		l.Start()
		defer l.Stop()
	}
	waitPeers(t, hub, 2)

	sent := driver.Frame{ID: 0x18DAF110, Extended: true, FD: true, Data: bytes.Repeat([]byte{0x5A}, 64)}
	if err := a.Write(sent); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := waitFrame(t, b.RxChan())
	if got.ID != sent.ID || !got.FD || !bytes.Equal(got.Data, sent.Data) {
		t.Errorf("Expected %v, got %v", sent, got)
	}
}
