// Package tunnel carries CAN frames over WebSocket and QUIC connections so a
// remote process can share a CAN link. Every frame travels as one CBOR
// encoded Envelope.
package tunnel

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/LoveWonYoung/canisotp/driver"
)

// Protocol is the ALPN / WebSocket subprotocol name.
const Protocol = "canisotp-tunnel/1"

// Envelope kinds
const (
	KindFrame uint8 = iota
	KindHello
)

// Frame flag bits
const (
	flagExtended uint8 = 1 << iota
	flagFD
	flagBRS
)

var ErrClosed = errors.New("tunnel: connection closed")

// Envelope is the unit exchanged between tunnel peers.
type Envelope struct {
	Kind  uint8  `cbor:"1,keyasint"`
	ID    uint32 `cbor:"2,keyasint,omitempty"`
	Flags uint8  `cbor:"3,keyasint,omitempty"`
	Data  []byte `cbor:"4,keyasint,omitempty"`
	Node  string `cbor:"5,keyasint,omitempty"`
	FD    bool   `cbor:"6,keyasint,omitempty"` // hello: sender's link is FD capable
}

// FrameEnvelope wraps a CAN frame.
func FrameEnvelope(f driver.Frame) Envelope {
	e := Envelope{Kind: KindFrame, ID: f.ID, Data: f.Data}
	if f.Extended {
		e.Flags |= flagExtended
	}
	if f.FD {
		e.Flags |= flagFD
	}
	if f.BRS {
		e.Flags |= flagBRS
	}
	return e
}

// Frame unwraps a frame envelope.
func (e Envelope) Frame() (driver.Frame, error) {
	if e.Kind != KindFrame {
		return driver.Frame{}, fmt.Errorf("tunnel: envelope kind %d is not a frame", e.Kind)
	}
	f := driver.Frame{
		ID:       e.ID,
		Extended: e.Flags&flagExtended != 0,
		FD:       e.Flags&flagFD != 0,
		BRS:      e.Flags&flagBRS != 0,
		Data:     e.Data,
	}
	limit := driver.ClassicMaxLen
	if f.FD {
		limit = driver.FDMaxLen
	}
	if len(f.Data) > limit {
		return driver.Frame{}, driver.ErrFrameTooLong
	}
	return f, nil
}

// Encode marshals an envelope.
func Encode(e Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

// Decode unmarshals an envelope.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("tunnel: decode envelope: %w", err)
	}
	return e, nil
}

// Conn is a bidirectional envelope transport.
type Conn interface {
	ReadEnvelope() (Envelope, error)
	WriteEnvelope(Envelope) error
	Close() error
	RemoteAddr() string
}
