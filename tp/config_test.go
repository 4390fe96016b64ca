package tp

import (
	"errors"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got: %v", err)
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	c := DefaultConfig()
	if c.TimeoutN_As != 1000*time.Millisecond {
		t.Errorf("Expected default TimeoutN_As to be 1000ms, got %v", c.TimeoutN_As)
	}
	if c.TimeoutN_Cr != 1000*time.Millisecond {
		t.Errorf("Expected default TimeoutN_Cr to be 1000ms, got %v", c.TimeoutN_Cr)
	}
	if c.WFTMax != 10 {
		t.Errorf("Expected WFTMax to be 10, got %d", c.WFTMax)
	}
	if c.PaddingByte == nil || *c.PaddingByte != DefaultPaddingByte {
		t.Errorf("Expected padding byte 0x%02X", DefaultPaddingByte)
	}
}

func TestConfig_Invalid(t *testing.T) {
	cases := map[string]func(*Config){
		"zero timeout":     func(c *Config) { c.TimeoutN_Bs = 0 },
		"no alloc timeout": func(c *Config) { c.AllocTimeout = 0 },
		"negative wftmax":  func(c *Config) { c.WFTMax = -1 },
		"empty ctx pool":   func(c *Config) { c.RxSFFFBufCount = 0 },
		"tiny blocks":      func(c *Config) { c.RxBufSize = 4 },
		"no backlog":       func(c *Config) { c.MaxTxBacklog = 0 },
		"no transfers":     func(c *Config) { c.MaxTransfers = 0 },
		"bad min length":   func(c *Config) { c.TxDataMinLength = 13 },
	}
	for name, mutate := range cases {
		c := DefaultConfig()
		mutate(&c)
		err := c.Validate()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected INVALID_CONFIG, got %v", name, err)
		}
	}
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	c := DefaultConfig()
	c.Workers = 0
	if _, err := NewEngine(c); CodeOf(err) != InvalidConfig {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != NResultOK {
		t.Error("nil should map to N_OK")
	}
	if CodeOf(errors.New("boom")) != NResultError {
		t.Error("foreign errors should map to N_ERROR")
	}
	err := newErrorf(NResultWrongSN, "expected %d", 3)
	if !errors.Is(err, ErrWrongSN) || errors.Is(err, ErrTimeoutCr) {
		t.Error("errors.Is should match by code only")
	}
	if NResultBufferOverflw.String() != "N_BUFFER_OVERFLW" {
		t.Errorf("unexpected name %s", NResultBufferOverflw)
	}
}
