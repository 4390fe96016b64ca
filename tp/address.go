package tp

import (
	"fmt"

	"github.com/LoveWonYoung/canisotp/driver"
)

// MsgFlags qualify a MsgID.
type MsgFlags uint8

const (
	ExtAddrFlag   MsgFlags = 1 << iota // a leading extended address byte precedes the PCI
	FixedAddrFlag                      // 29-bit normal fixed addressing, SA/TA in the identifier
	IDEFlag                            // 29-bit identifier
	FDFFlag                            // CAN FD frames
	BRSFlag                            // bit rate switch for CAN FD frames
)

// Fixed addressing layout of a 29-bit identifier.
const (
	fixedSAMask       uint32 = 0x000000FF
	fixedTAMask       uint32 = 0x0000FF00
	fixedTAShift             = 8
	fixedPrioMask     uint32 = 0x1C000000
	fixedRxFilterMask uint32 = 0x03FFFF00

	stdIDMask uint32 = 0x7FF
	extIDMask uint32 = 0x1FFFFFFF
)

// MsgID is one direction of an ISO-TP address: the CAN identifier, the
// optional extended address byte and the link parameters.
type MsgID struct {
	ID      uint32
	ExtAddr uint8
	// DL is the negotiated frame data length. 0 selects 8 for classic CAN
	// and 64 for CAN FD.
	DL    int
	Flags MsgFlags
}

func (m MsgID) hasExtAddr() bool { return m.Flags&ExtAddrFlag != 0 }
func (m MsgID) isFixed() bool    { return m.Flags&FixedAddrFlag != 0 }
func (m MsgID) isExtID() bool    { return m.Flags&IDEFlag != 0 }
func (m MsgID) isFD() bool       { return m.Flags&FDFFlag != 0 }

// dl returns the effective frame data length.
func (m MsgID) dl() int {
	if m.DL != 0 {
		return m.DL
	}
	if m.isFD() {
		return driver.FDMaxLen
	}
	return driver.ClassicMaxLen
}

// extLen is the size of the addressing prefix, 0 or 1.
func (m MsgID) extLen() int {
	if m.hasExtAddr() {
		return 1
	}
	return 0
}

func (m MsgID) validate(caps driver.Capabilities) error {
	dl := m.dl()
	if !driver.ValidDataLength(dl) || dl < driver.ClassicMaxLen {
		return newErrorf(InvalidConfig, "data length %d is not usable for ISO-TP", dl)
	}
	if !m.isFD() && dl > driver.ClassicMaxLen {
		return newErrorf(InvalidConfig, "data length %d requires CAN FD", dl)
	}
	if m.Flags&BRSFlag != 0 && !m.isFD() {
		return newErrorf(InvalidConfig, "bit rate switch requires CAN FD")
	}
	if m.isFD() && !caps.FD {
		return newErrorf(InvalidConfig, "link is not CAN FD capable")
	}
	if m.isFixed() && !m.isExtID() {
		return newErrorf(InvalidConfig, "fixed addressing requires 29-bit identifiers")
	}
	if !m.isExtID() && m.ID > stdIDMask {
		return newErrorf(InvalidConfig, "identifier 0x%X exceeds 11 bits", m.ID)
	}
	return nil
}

// rxFilter matches frames addressed to m. Under fixed addressing any source
// address and priority is accepted.
func (m MsgID) rxFilter() driver.Filter {
	f := driver.Filter{ID: m.ID, Mask: stdIDMask, Extended: m.isExtID()}
	if m.isExtID() {
		f.Mask = extIDMask
	}
	if m.isFixed() {
		f.Mask = fixedRxFilterMask
	}
	return f
}

// acceptsExtAddr reports whether the frame data carries the expected
// extended address byte, if any.
func (m MsgID) acceptsExtAddr(data []byte) bool {
	if !m.hasExtAddr() {
		return true
	}
	return len(data) > 0 && data[0] == m.ExtAddr
}

// replyTo rewrites a fixed-address transmit ID so it targets the source
// address and priority of a received identifier.
func (m MsgID) replyTo(rxID uint32) MsgID {
	if !m.isFixed() {
		return m
	}
	id := m.ID &^ (fixedTAMask | fixedPrioMask)
	id |= (rxID & fixedSAMask) << fixedTAShift
	id |= rxID & fixedPrioMask
	m.ID = id
	return m
}

func (m MsgID) String() string {
	s := fmt.Sprintf("0x%03X", m.ID)
	if m.isExtID() {
		s = fmt.Sprintf("0x%08X", m.ID)
	}
	if m.hasExtAddr() {
		s += fmt.Sprintf("/%02X", m.ExtAddr)
	}
	return s
}

// Addressing modes
const (
	Normal11bits uint32 = iota
	Normal29bits
	NormalFixed29bits
	Extended11bits
	Extended29bits
	Mixed11bits
	Mixed29bits
)

// Target address types
const (
	Physical = iota
	Functional
)

// Default identifier bases for 29-bit fixed and mixed addressing.
const (
	fixedPhysicalBase   uint32 = 0x18DA0000
	fixedFunctionalBase uint32 = 0x18DB0000
	mixedPhysicalBase   uint32 = 0x18CE0000
	mixedFunctionalBase uint32 = 0x18CD0000
)

// Address describes both directions of a connection in one of the seven
// ISO 15765-2 addressing modes.
type Address struct {
	AddressingMode   uint32
	TxID             uint32 // normal, extended and mixed 11-bit modes
	RxID             uint32
	TargetAddress    uint8 // N_TA
	SourceAddress    uint8 // N_SA
	AddressExtension uint8 // N_AE, mixed modes
	TargetType       int   // Physical or Functional, fixed and mixed 29-bit modes
	FD               bool
	BRS              bool
	DL               int
}

// MsgIDs resolves the address into the receive and transmit MsgIDs that
// Bind and Send take.
func (a Address) MsgIDs() (rx, tx MsgID, err error) {
	var flags MsgFlags
	if a.FD {
		flags |= FDFFlag
		if a.BRS {
			flags |= BRSFlag
		}
	}
	rx = MsgID{DL: a.DL, Flags: flags}
	tx = MsgID{DL: a.DL, Flags: flags}

	base29 := func(phys, fun uint32) uint32 {
		if a.TargetType == Functional {
			return fun
		}
		return phys
	}

	switch a.AddressingMode {
	case Normal11bits:
		rx.ID, tx.ID = a.RxID, a.TxID
	case Normal29bits:
		rx.ID, tx.ID = a.RxID, a.TxID
		rx.Flags |= IDEFlag
		tx.Flags |= IDEFlag
	case NormalFixed29bits:
		base := base29(fixedPhysicalBase, fixedFunctionalBase)
		tx.ID = base | uint32(a.TargetAddress)<<fixedTAShift | uint32(a.SourceAddress)
		rx.ID = fixedPhysicalBase | uint32(a.SourceAddress)<<fixedTAShift | uint32(a.TargetAddress)
		rx.Flags |= IDEFlag | FixedAddrFlag
		tx.Flags |= IDEFlag | FixedAddrFlag
	case Extended11bits, Extended29bits:
		rx.ID, tx.ID = a.RxID, a.TxID
		tx.ExtAddr = a.TargetAddress
		rx.ExtAddr = a.SourceAddress
		rx.Flags |= ExtAddrFlag
		tx.Flags |= ExtAddrFlag
		if a.AddressingMode == Extended29bits {
			rx.Flags |= IDEFlag
			tx.Flags |= IDEFlag
		}
	case Mixed11bits:
		rx.ID, tx.ID = a.RxID, a.TxID
		rx.ExtAddr, tx.ExtAddr = a.AddressExtension, a.AddressExtension
		rx.Flags |= ExtAddrFlag
		tx.Flags |= ExtAddrFlag
	case Mixed29bits:
		base := base29(mixedPhysicalBase, mixedFunctionalBase)
		tx.ID = base | uint32(a.TargetAddress)<<fixedTAShift | uint32(a.SourceAddress)
		rx.ID = mixedPhysicalBase | uint32(a.SourceAddress)<<fixedTAShift | uint32(a.TargetAddress)
		rx.ExtAddr, tx.ExtAddr = a.AddressExtension, a.AddressExtension
		rx.Flags |= IDEFlag | ExtAddrFlag
		tx.Flags |= IDEFlag | ExtAddrFlag
	default:
		return MsgID{}, MsgID{}, newErrorf(InvalidConfig, "unsupported addressing mode %d", a.AddressingMode)
	}
	return rx, tx, nil
}
