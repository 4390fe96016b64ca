package driver

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDLCConversion(t *testing.T) {
	for _, n := range []int{0, 1, 8, 12, 16, 20, 24, 32, 48, 64} {
		if got := DLCToLen(LenToDLC(n)); got != n {
			t.Errorf("DLCToLen(LenToDLC(%d)) = %d", n, got)
		}
		if !ValidDataLength(n) {
			t.Errorf("%d should be a valid data length", n)
		}
	}
	if NearestFDLen(13) != 16 || NearestFDLen(49) != 64 {
		t.Errorf("NearestFDLen rounding is wrong")
	}
	if ValidDataLength(9) || ValidDataLength(65) {
		t.Errorf("9 and 65 are not valid data lengths")
	}
}

func TestFilterMatch(t *testing.T) {
	f := Filter{ID: 0x18DA10F1, Mask: 0x03FFFF00, Extended: true}
	if !f.Match(Frame{ID: 0x18DA10AA, Extended: true}) {
		t.Error("any source address should match")
	}
	if f.Match(Frame{ID: 0x18DA11F1, Extended: true}) {
		t.Error("other target address must not match")
	}
	if f.Match(Frame{ID: 0x18DA10F1}) {
		t.Error("standard frame must not match an extended filter")
	}
}

func TestFormatSLCAN(t *testing.T) {
	cases := []struct {
		f    Frame
		want string
	}{
		{Frame{ID: 0x7E0, Data: []byte{0x02, 0x10, 0x03}}, "t7E03021003"},
		{Frame{ID: 0x18DA10F1, Extended: true, Data: []byte{0xAA}}, "T18DA10F11AA"},
		{Frame{ID: 0x123, FD: true, Data: make([]byte, 12)}, "d1239" + "000000000000000000000000"},
		{Frame{ID: 0x123, FD: true, BRS: true, Data: []byte{1}}, "b123101"},
	}
	for _, c := range cases {
		got, err := FormatSLCAN(c.f)
		if err != nil {
			t.Fatalf("FormatSLCAN(%v): %v", c.f, err)
		}
		if got != c.want {
			t.Errorf("FormatSLCAN(%v) = %q, want %q", c.f, got, c.want)
		}
	}
	if _, err := FormatSLCAN(Frame{ID: 1, Data: make([]byte, 9)}); !errors.Is(err, ErrFrameTooLong) {
		t.Errorf("expected ErrFrameTooLong, got %v", err)
	}
}

func TestParseSLCAN(t *testing.T) {
	f, err := ParseSLCAN("t7E880662F190AABBCC00")
	if err != nil {
		t.Fatalf("ParseSLCAN: %v", err)
	}
	if f.ID != 0x7E8 || f.Extended || !bytes.Equal(f.Data, []byte{0x06, 0x62, 0xF1, 0x90, 0xAA, 0xBB, 0xCC, 0x00}) {
		t.Errorf("unexpected frame %v", f)
	}

	// 忽略结尾的时间戳
	f, err = ParseSLCAN("T18DAF11021012A3F0")
	if err != nil {
		t.Fatalf("ParseSLCAN: %v", err)
	}
	if !f.Extended || f.ID != 0x18DAF110 || !bytes.Equal(f.Data, []byte{0x10, 0x12}) {
		t.Errorf("unexpected frame %v", f)
	}

	f, err = ParseSLCAN("B18DAF110A" + "11223344556677889900AABBCCDDEEFF")
	if err != nil {
		t.Fatalf("ParseSLCAN: %v", err)
	}
	if !f.FD || !f.BRS || len(f.Data) != 16 {
		t.Errorf("unexpected FD frame %v", f)
	}

	for _, line := range []string{"", "x123", "t12", "t7E89AA", "t7E82AA"} {
		if _, err := ParseSLCAN(line); err == nil {
			t.Errorf("ParseSLCAN(%q) should fail", line)
		}
	}
}

func TestSLCANRoundTrip(t *testing.T) {
	frames := []Frame{
		{ID: 0x7E0, Data: []byte{0x10, 0x14, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03}},
		{ID: 0x1FFFFFFF, Extended: true, Data: []byte{}},
		{ID: 0x100, FD: true, BRS: true, Data: bytes.Repeat([]byte{0x5A}, 64)},
	}
	for _, f := range frames {
		line, err := FormatSLCAN(f)
		if err != nil {
			t.Fatalf("FormatSLCAN: %v", err)
		}
		got, err := ParseSLCAN(line)
		if err != nil {
			t.Fatalf("ParseSLCAN(%q): %v", line, err)
		}
		if got.ID != f.ID || got.Extended != f.Extended || got.FD != f.FD || got.BRS != f.BRS || !bytes.Equal(got.Data, f.Data) {
			t.Errorf("round trip of %v gave %v", f, got)
		}
	}
}

func newVirtualAdapter(t *testing.T, bus *VirtualBus, name string, opts AdapterOptions) *Adapter {
	t.Helper()
	a, err := NewAdapter(bus.Node(name), opts)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAdapterFilters(t *testing.T) {
	bus := NewVirtualBus(false, zerolog.Nop())
	a := newVirtualAdapter(t, bus, "a", AdapterOptions{})
	b := newVirtualAdapter(t, bus, "b", AdapterOptions{MaxFilters: 2})

	got := make(chan Frame, 4)
	id, err := b.AddRxFilter(Filter{ID: 0x7E0, Mask: 0x7FF}, func(f Frame) { got <- f })
	if err != nil {
		t.Fatalf("AddRxFilter: %v", err)
	}
	if _, err := b.AddRxFilter(Filter{ID: 0x7E1, Mask: 0x7FF}, func(Frame) {}); err != nil {
		t.Fatalf("AddRxFilter: %v", err)
	}
	if _, err := b.AddRxFilter(Filter{ID: 0x7E2, Mask: 0x7FF}, func(Frame) {}); !errors.Is(err, ErrNoFreeFilter) {
		t.Fatalf("expected ErrNoFreeFilter, got %v", err)
	}

	done := make(chan error, 2)
	if err := a.Send(Frame{ID: 0x7DF, Data: []byte{1}}, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Send(Frame{ID: 0x7E0, Data: []byte{2}}, time.Second, func(err error) { done <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("tx done: %v", err)
		}
	}

	select {
	case f := <-got:
		if f.ID != 0x7E0 || f.Data[0] != 2 {
			t.Errorf("unexpected frame %v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered frame not delivered")
	}
	select {
	case f := <-got:
		t.Errorf("unfiltered frame delivered: %v", f)
	case <-time.After(20 * time.Millisecond):
	}

	b.RemoveRxFilter(id)
	if _, err := b.AddRxFilter(Filter{ID: 0x7E2, Mask: 0x7FF}, func(Frame) {}); err != nil {
		t.Errorf("filter slot not released: %v", err)
	}
}

func TestAdapterRejectsFDOnClassicLink(t *testing.T) {
	bus := NewVirtualBus(false, zerolog.Nop())
	a := newVirtualAdapter(t, bus, "a", AdapterOptions{})
	if err := a.Send(Frame{ID: 1, FD: true, Data: []byte{1}}, 0, nil); !errors.Is(err, ErrFDNotCapable) {
		t.Errorf("expected ErrFDNotCapable, got %v", err)
	}
	if err := a.Send(Frame{ID: 1, Data: make([]byte, 12)}, 0, nil); !errors.Is(err, ErrFrameTooLong) {
		t.Errorf("expected ErrFrameTooLong, got %v", err)
	}
}

func TestAdapterTxTimeout(t *testing.T) {
	bus := NewVirtualBus(false, zerolog.Nop())
	a := newVirtualAdapter(t, bus, "a", AdapterOptions{})

	// 钩子阻塞第一帧，第二帧在队列中超时
	release := make(chan struct{})
	var once sync.Once
	bus.SetTxHook(func(node string, f Frame) (Frame, bool) {
		once.Do(func() { <-release })
		return f, true
	})
	first := make(chan error, 1)
	second := make(chan error, 1)
	_ = a.Send(Frame{ID: 1, Data: []byte{1}}, time.Second, func(err error) { first <- err })
	_ = a.Send(Frame{ID: 2, Data: []byte{2}}, 10*time.Millisecond, func(err error) { second <- err })
	time.Sleep(30 * time.Millisecond)
	close(release)

	if err := <-first; err != nil {
		t.Errorf("first frame: %v", err)
	}
	if err := <-second; !errors.Is(err, ErrTxTimeout) {
		t.Errorf("second frame: expected ErrTxTimeout, got %v", err)
	}
}

func TestVirtualBusResponses(t *testing.T) {
	bus := NewVirtualBus(false, zerolog.Nop())
	tester := bus.Node("tester")
	tester.Start()
	ecu := bus.Node("ecu")
	ecu.Start()

	bus.AddResponse(0x7E0, 0x7E8, []byte{0x02, 0x10}, []byte{0x06, 0x50, 0x03, 0x00, 0x32, 0x01, 0xF4, 0xCC}, 0)
	if err := tester.Write(Frame{ID: 0x7E0, Data: []byte{0x02, 0x10, 0x03}}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case f := <-ecu.RxChan():
		if f.ID != 0x7E0 {
			t.Errorf("ecu got %v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("ecu did not receive the request")
	}
	select {
	case f := <-tester.RxChan():
		if f.ID != 0x7E8 || f.Data[1] != 0x50 {
			t.Errorf("tester got %v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("no auto response")
	}

	if n := len(bus.GetWriteLog()); n != 1 {
		t.Errorf("write log has %d entries, want 1", n)
	}
	bus.ClearWriteLog()
	tester.Stop()
	if err := tester.Write(Frame{ID: 1}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("write on stopped node: %v", err)
	}
}
