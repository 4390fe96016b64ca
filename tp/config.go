package tp

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/LoveWonYoung/canisotp/driver"
)

// DefaultPaddingByte fills unused frame bytes.
const DefaultPaddingByte byte = 0xCC

// Config defines the configuration of an Engine.
type Config struct {
	// PaddingByte, if not nil, pads classic frames to 8 bytes. CAN FD frames
	// are always padded up to the next valid data length, using this byte or
	// DefaultPaddingByte.
	PaddingByte *byte

	// TxDataMinLength forces the transmitted data length to be at least this
	// value. 0 means no forced minimum.
	TxDataMinLength int

	// RequireRxPadding rejects classic frames shorter than 8 bytes.
	RequireRxPadding bool

	TimeoutN_As time.Duration // link layer transmit acknowledgement
	TimeoutN_Bs time.Duration // until reception of FlowControl
	TimeoutN_Cr time.Duration // until reception of the next CF

	// AllocTimeout is the retry interval of a receiver blocked on buffers.
	AllocTimeout time.Duration

	// WFTMax is the maximum number of FC WAIT frames, both the number a
	// receiver may send before giving up and the number a sender tolerates.
	WFTMax int

	RxSFFFBufCount int // parsing contexts for single/first frames
	RxBufCount     int // data blocks for reassembly
	RxBufSize      int // bytes per data block

	// MaxTxBacklog bounds link sends queued ahead of their completion.
	MaxTxBacklog int
	// MaxTransfers bounds transfers in progress per engine.
	MaxTransfers int

	// Workers is the number of goroutines draining state machine work.
	Workers int

	Logger zerolog.Logger
}

// DefaultConfig returns the ISO 15765-2 recommended timeouts and moderate pools.
func DefaultConfig() Config {
	pad := DefaultPaddingByte
	return Config{
		PaddingByte: &pad,

		TimeoutN_As: 1000 * time.Millisecond,
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		AllocTimeout: 100 * time.Millisecond,
		WFTMax:       10,

		RxSFFFBufCount: 4,
		RxBufCount:     64,
		RxBufSize:      256,

		MaxTxBacklog: 4,
		MaxTransfers: 16,
		Workers:      2,

		Logger: zerolog.Nop(),
	}
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	switch {
	case c.TimeoutN_As <= 0 || c.TimeoutN_Bs <= 0 || c.TimeoutN_Cr <= 0:
		return newErrorf(InvalidConfig, "timeouts must be positive")
	case c.AllocTimeout <= 0:
		return newErrorf(InvalidConfig, "allocation retry timeout must be positive")
	case c.WFTMax < 0 || c.WFTMax > 0xFF:
		return newErrorf(InvalidConfig, "WFTMax %d out of range", c.WFTMax)
	case c.RxSFFFBufCount < 1 || c.RxBufCount < 1:
		return newErrorf(InvalidConfig, "buffer pools must not be empty")
	case c.RxBufSize < driver.ClassicMaxLen:
		return newErrorf(InvalidConfig, "RxBufSize %d smaller than a classic frame", c.RxBufSize)
	case c.MaxTxBacklog < 1:
		return newErrorf(InvalidConfig, "MaxTxBacklog must be at least 1")
	case c.MaxTransfers < 1:
		return newErrorf(InvalidConfig, "MaxTransfers must be at least 1")
	case c.Workers < 1:
		return newErrorf(InvalidConfig, "Workers must be at least 1")
	case c.TxDataMinLength != 0 && !driver.ValidDataLength(c.TxDataMinLength):
		return newErrorf(InvalidConfig, "TxDataMinLength %d is not a valid CAN data length", c.TxDataMinLength)
	}
	return nil
}

func (c *Config) paddingByte() byte {
	if c.PaddingByte != nil {
		return *c.PaddingByte
	}
	return DefaultPaddingByte
}

// FlowControlOptions are advertised by a receiver in its FC frames.
type FlowControlOptions struct {
	// BS is the number of CFs the peer may send before the next FC, 0 = unlimited.
	BS uint8
	// STmin is the raw separation time byte: 0x00-0x7F ms, 0xF1-0xF9 100 us steps.
	STmin uint8
}
