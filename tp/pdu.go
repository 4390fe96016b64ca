package tp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
)

// PDU types, the high nibble of the PCI byte.
const (
	PDUSingleFrame = iota
	PDUFirstFrame
	PDUConsecutiveFrame
	PDUFlowControl
)

// Flow status values of an FC frame.
const (
	FlowStatusContinueToSend uint8 = iota
	FlowStatusWait
	FlowStatusOverflow
)

const (
	pciTypeMask = 0xF0
	pciSF       = 0x00
	pciFF       = 0x10
	pciCF       = 0x20
	pciFC       = 0x30

	sfPCILen      = 1
	sfFDPCILen    = 2
	ffPCILen      = 2
	ffJumboPCILen = 6
	cfPCILen      = 1
	fcPCILen      = 3

	ffDL12Max = 0xFFF
	snMask    = 0x0F
)

// STmin encoding
const (
	StMinMsMax   = 0x7F
	StMinUsBegin = 0xF1
	StMinMax     = 0xF9
)

// PDU is a decoded ISO-TP protocol data unit.
type PDU struct {
	Type           int
	Length         int // SF_DL or FF_DL
	Data           []byte
	SeqNum         uint8
	FlowStatus     uint8
	BlockSize      uint8
	StMin          uint8
	EscapeSequence bool
	CanDL          int
}

func (p *PDU) Name() string {
	switch p.Type {
	case PDUSingleFrame:
		return "SINGLE_FRAME"
	case PDUFirstFrame:
		return "FIRST_FRAME"
	case PDUConsecutiveFrame:
		return "CONSECUTIVE_FRAME"
	case PDUFlowControl:
		return "FLOW_CONTROL"
	default:
		return "[None]"
	}
}

// ParsePDU decodes frame data. prefixLen is the size of the addressing
// prefix (0 or 1) that precedes the PCI. The returned Data aliases data.
func ParsePDU(data []byte, prefixLen int) (PDU, error) {
	p := PDU{CanDL: len(data)}
	if len(data) < prefixLen+1 {
		return p, fmt.Errorf("frame of %d bytes has no PCI", len(data))
	}
	msgData := data[prefixLen:]
	dataLen := len(msgData)

	frameType := int(msgData[0]>>4) & 0xF
	if frameType > PDUFlowControl {
		return p, fmt.Errorf("received message with unknown frame type %d", frameType)
	}
	p.Type = frameType

	switch frameType {
	case PDUSingleFrame:
		if n := int(msgData[0] & 0xF); n != 0 {
			if n > dataLen-sfPCILen {
				return p, fmt.Errorf("single frame length %d exceeds payload %d", n, dataLen-sfPCILen)
			}
			p.Length = n
			p.Data = msgData[sfPCILen : sfPCILen+n]
			break
		}
		// escape sequence, only valid in frames longer than a classic frame
		if len(data) <= driver.ClassicMaxLen {
			return p, fmt.Errorf("single frame with zero length in a %d byte frame", len(data))
		}
		p.EscapeSequence = true
		n := int(msgData[1])
		if n == 0 {
			return p, fmt.Errorf("received single frame with length of 0 bytes")
		}
		if n > dataLen-sfFDPCILen {
			return p, fmt.Errorf("single frame length %d exceeds payload %d", n, dataLen-sfFDPCILen)
		}
		p.Length = n
		p.Data = msgData[sfFDPCILen : sfFDPCILen+n]

	case PDUFirstFrame:
		if dataLen < ffPCILen {
			return p, fmt.Errorf("first frame must be at least %d bytes", ffPCILen+prefixLen)
		}
		n := int(msgData[0]&0xF)<<8 | int(msgData[1])
		start := ffPCILen
		if n == 0 {
			if dataLen < ffJumboPCILen {
				return p, fmt.Errorf("first frame with escape sequence must be at least %d bytes", ffJumboPCILen+prefixLen)
			}
			p.EscapeSequence = true
			n32 := binary.BigEndian.Uint32(msgData[2:6])
			if n32 <= ffDL12Max {
				return p, fmt.Errorf("first frame escape sequence with short length %d", n32)
			}
			n = int(n32)
			start = ffJumboPCILen
		}
		p.Length = n
		p.Data = msgData[start:min(dataLen, start+n)]

	case PDUConsecutiveFrame:
		p.SeqNum = msgData[0] & snMask
		p.Data = msgData[cfPCILen:]

	case PDUFlowControl:
		if dataLen < fcPCILen {
			return p, fmt.Errorf("flow control frame must be at least %d bytes", fcPCILen+prefixLen)
		}
		p.FlowStatus = msgData[0] & 0xF
		p.BlockSize = msgData[1]
		p.StMin = msgData[2]
	}
	return p, nil
}

// StMinToDuration converts an STmin byte. Reserved values map to the
// 127 ms ceiling.
func StMinToDuration(st uint8) time.Duration {
	switch {
	case st <= StMinMsMax:
		return time.Duration(st) * time.Millisecond
	case st >= StMinUsBegin && st <= StMinMax:
		return time.Duration(st-StMinUsBegin+1) * 100 * time.Microsecond
	default:
		return StMinMsMax * time.Millisecond
	}
}

// sfMaxLen is the largest payload a single frame can carry.
func sfMaxLen(dl, prefixLen int) int {
	if dl <= driver.ClassicMaxLen {
		return dl - sfPCILen - prefixLen
	}
	return dl - sfFDPCILen - prefixLen
}

// ffDataLen is the payload carried by the first frame of a total byte message.
func ffDataLen(dl, prefixLen, total int) int {
	if total > ffDL12Max {
		return dl - ffJumboPCILen - prefixLen
	}
	return dl - ffPCILen - prefixLen
}

// cfDataLen is the payload of a full consecutive frame.
func cfDataLen(dl, prefixLen int) int {
	return dl - cfPCILen - prefixLen
}

func prefixOf(m MsgID) []byte {
	if m.hasExtAddr() {
		return []byte{m.ExtAddr}
	}
	return nil
}

func encodeSF(m MsgID, payload []byte) []byte {
	out := prefixOf(m)
	if len(out)+sfPCILen+len(payload) <= driver.ClassicMaxLen {
		out = append(out, pciSF|byte(len(payload)))
	} else {
		out = append(out, pciSF, byte(len(payload)))
	}
	return append(out, payload...)
}

func encodeFF(m MsgID, total int, payload []byte) []byte {
	out := prefixOf(m)
	if total > ffDL12Max {
		out = append(out, pciFF, 0)
		out = binary.BigEndian.AppendUint32(out, uint32(total))
	} else {
		out = append(out, pciFF|byte(total>>8), byte(total))
	}
	return append(out, payload...)
}

func encodeCF(m MsgID, sn uint8, payload []byte) []byte {
	out := prefixOf(m)
	out = append(out, pciCF|sn&snMask)
	return append(out, payload...)
}

// CraftFlowControlData builds the PCI part of an FC frame.
func CraftFlowControlData(flowStatus, blockSize, stMin uint8) []byte {
	return []byte{pciFC | flowStatus&0xF, blockSize, stMin}
}

func encodeFC(m MsgID, status, bs, stmin uint8) []byte {
	return append(prefixOf(m), CraftFlowControlData(status, bs, stmin)...)
}

// padFrame extends frame data to the length it is sent with.
func (c *Config) padFrame(data []byte, fd bool) []byte {
	target := len(data)
	if fd {
		target = driver.NearestFDLen(max(len(data), c.TxDataMinLength))
	} else {
		if c.PaddingByte != nil {
			target = driver.ClassicMaxLen
		}
		target = max(target, min(c.TxDataMinLength, driver.ClassicMaxLen))
	}
	if len(data) >= target {
		return data
	}
	padByte := c.paddingByte()
	for len(data) < target {
		data = append(data, padByte)
	}
	return data
}

// makeFrame wraps encoded data into a link frame for m.
func (c *Config) makeFrame(m MsgID, data []byte) driver.Frame {
	return driver.Frame{
		ID:       m.ID,
		Extended: m.isExtID(),
		FD:       m.isFD(),
		BRS:      m.Flags&BRSFlag != 0,
		Data:     c.padFrame(data, m.isFD()),
	}
}
