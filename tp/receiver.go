package tp

import (
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/netbuf"
)

type rxState int

const (
	rxWaitFFSF rxState = iota
	rxProcessSF
	rxProcessFF
	rxTryAlloc
	rxSendFC
	rxWaitCF
	rxSendWait
	rxErr
	rxRecycle
	rxUnbound
)

var rxStateNames = [...]string{
	"WAIT_FF_SF", "PROCESS_SF", "PROCESS_FF", "TRY_ALLOC", "SEND_FC",
	"WAIT_CF", "SEND_WAIT", "ERR", "RECYCLE", "UNBOUND",
}

func (s rxState) String() string { return rxStateNames[s] }

type waitKind int

const (
	waitNone waitKind = iota
	waitCtx           // parsing contexts for the next SF/FF
	waitData          // reassembly blocks
)

// wftFirst marks an allocation round that has not failed yet.
const wftFirst = -1

// rxPort is everything the reception machine needs from the outside world.
// All methods are called with the owning binding serialized.
type rxPort interface {
	sendFC(status, bs, stmin uint8) error
	startTimer(d time.Duration)
	stopTimer()
	allocCtx() (*netbuf.Chain, error)
	allocData(n int) (*netbuf.Chain, error)
	dataCapacity() int
	waitForBuffers(kind waitKind)
	stopWaiting()
	deliver(c *netbuf.Chain, remaining int)
	report(err error)
	learnPeer(id uint32)
}

// rxMachine reassembles messages for one binding. It never blocks: every
// transition either completes or parks the machine until the next frame,
// timer expiry or buffer release.
type rxMachine struct {
	state rxState
	port  rxPort
	cfg   *Config
	rx    MsgID
	opts  FlowControlOptions

	buf    *netbuf.Chain
	cur    *netbuf.Cursor
	length int // payload bytes still expected
	sn     uint8
	bs     uint8 // CFs left in the current block
	wft    int
	rxDL   int // data length of the FF, used to size CF blocks

	err      error
	timedOut bool
	ovflwFC  bool
	waiting  waitKind
}

func newRxMachine(port rxPort, cfg *Config, rx MsgID, opts FlowControlOptions, ctx *netbuf.Chain) rxMachine {
	return rxMachine{
		state: rxWaitFFSF,
		port:  port,
		cfg:   cfg,
		rx:    rx,
		opts:  opts,
		buf:   ctx,
		cur:   ctx.Cursor(),
		wft:   wftFirst,
	}
}

func (m *rxMachine) fail(err error) {
	m.err = err
	m.state = rxErr
}

// onFrame feeds one received frame into the machine. run must be called
// afterwards to carry out the resulting transitions.
func (m *rxMachine) onFrame(f driver.Frame) {
	if m.state == rxUnbound || !m.rx.acceptsExtAddr(f.Data) {
		return
	}
	ext := m.rx.extLen()
	short := m.cfg.RequireRxPadding && !f.FD && len(f.Data) < driver.ClassicMaxLen
	pdu, err := ParsePDU(f.Data, ext)
	if err != nil {
		return
	}

	switch m.state {
	case rxWaitFFSF:
		if short {
			return
		}
		m.startMessage(f, pdu)
	case rxWaitCF:
		m.processCF(f, pdu, short)
	case rxRecycle:
		// no context to parse into
		switch pdu.Type {
		case PDUFirstFrame:
			m.port.learnPeer(f.ID)
			m.ovflwFC = true
		case PDUSingleFrame:
		default:
			return
		}
		m.fail(newErrorf(NResultBufferOverflw, "no parsing context for %s", pdu.Name()))
	}
}

func (m *rxMachine) startMessage(f driver.Frame, pdu PDU) {
	switch pdu.Type {
	case PDUSingleFrame:
		if _, err := m.cur.Write(pdu.Data); err != nil {
			m.fail(newErrorf(NResultBufferOverflw, "single frame of %d bytes does not fit", pdu.Length))
			return
		}
		m.port.learnPeer(f.ID)
		m.length = 0
		m.state = rxProcessSF
	case PDUFirstFrame:
		// a message that fits a single frame must not be segmented
		if pdu.Length <= sfMaxLen(len(f.Data), m.rx.extLen()) {
			return
		}
		m.rxDL = len(f.Data)
		m.length = pdu.Length
		m.sn = 1
		m.port.learnPeer(f.ID)
		if _, err := m.cur.Write(pdu.Data); err != nil {
			m.fail(newErrorf(NResultBufferOverflw, "first frame does not fit the parsing context"))
			return
		}
		m.state = rxProcessFF
	}
}

func (m *rxMachine) processCF(f driver.Frame, pdu PDU, short bool) {
	switch pdu.Type {
	case PDUConsecutiveFrame:
	case PDUFlowControl:
		// belongs to a transfer sharing this identifier
		return
	default:
		m.fail(newErrorf(NResultUnexpPDU, "expected consecutive frame, got %s", pdu.Name()))
		return
	}
	if short {
		m.fail(newErrorf(NResultError, "consecutive frame of %d bytes is not padded", len(f.Data)))
		return
	}
	m.port.startTimer(m.cfg.TimeoutN_Cr)
	if pdu.SeqNum != m.sn {
		m.fail(newErrorf(NResultWrongSN, "expected sequence number %d, got %d", m.sn, pdu.SeqNum))
		return
	}
	m.sn = (m.sn + 1) & snMask

	n := min(m.length, len(pdu.Data))
	if _, err := m.cur.Write(pdu.Data[:n]); err != nil {
		m.fail(newErrorf(NoBufDataLeft, "consecutive frame of %d bytes exceeds the allocated block", n))
		return
	}
	m.length -= n
	if m.length == 0 {
		m.port.stopTimer()
		m.handOver(0)
		m.state = rxRecycle
		return
	}
	if m.opts.BS != 0 {
		m.bs--
		if m.bs == 0 {
			m.handOver(m.length)
			m.wft = wftFirst
			m.state = rxTryAlloc
		}
	}
}

func (m *rxMachine) onTimeout() {
	switch m.state {
	case rxWaitCF:
		m.fail(newErrorf(NResultTimeoutCr, "no consecutive frame within %v", m.cfg.TimeoutN_Cr))
	case rxTryAlloc:
		m.timedOut = true
	}
}

// handOver passes the current chain to the receive queue.
func (m *rxMachine) handOver(remaining int) {
	m.port.deliver(m.buf, remaining)
	m.buf, m.cur = nil, nil
}

func (m *rxMachine) joinWait(kind waitKind) {
	if m.waiting == kind {
		return
	}
	m.leaveWait()
	m.port.waitForBuffers(kind)
	m.waiting = kind
}

func (m *rxMachine) leaveWait() {
	if m.waiting == waitNone {
		return
	}
	m.port.stopWaiting()
	m.waiting = waitNone
}

// run executes transitions until the machine has to wait for an event.
func (m *rxMachine) run() {
	for {
		switch m.state {
		case rxProcessSF:
			m.handOver(0)
			m.state = rxRecycle

		case rxProcessFF:
			m.length -= m.buf.Len()
			if m.opts.BS == 0 && m.length > m.port.dataCapacity() {
				m.ovflwFC = true
				m.fail(newErrorf(NResultBufferOverflw, "message of %d bytes exceeds the receive pool", m.length+m.buf.Len()))
				continue
			}
			if m.opts.BS != 0 {
				m.handOver(m.length)
			}
			m.wft = wftFirst
			m.state = rxTryAlloc

		case rxTryAlloc:
			if !m.tryAlloc() {
				return
			}

		case rxSendFC:
			m.state = rxWaitCF
			m.bs = m.opts.BS
			if err := m.port.sendFC(FlowStatusContinueToSend, m.opts.BS, m.opts.STmin); err != nil {
				m.fail(newErrorf(NResultError, "send flow control: %v", err))
				continue
			}
			m.port.startTimer(m.cfg.TimeoutN_Cr)

		case rxSendWait:
			m.wft++
			if m.wft < m.cfg.WFTMax {
				if err := m.port.sendFC(FlowStatusWait, 0, 0); err != nil {
					m.fail(newErrorf(NResultError, "send flow control: %v", err))
					continue
				}
				m.port.startTimer(m.cfg.AllocTimeout)
				m.state = rxTryAlloc
				return
			}
			m.ovflwFC = true
			m.fail(newErrorf(NResultBufferOverflw, "no receive buffer after %d wait frames", m.wft-1))

		case rxErr:
			m.port.stopTimer()
			if m.ovflwFC {
				m.ovflwFC = false
				_ = m.port.sendFC(FlowStatusOverflow, 0, 0)
			}
			m.leaveWait()
			m.port.report(m.err)
			m.err = nil
			m.timedOut = false
			if m.buf != nil {
				m.buf.Unref()
				m.buf, m.cur = nil, nil
			}
			m.state = rxRecycle

		case rxRecycle:
			c, err := m.port.allocCtx()
			if err != nil {
				m.joinWait(waitCtx)
				return
			}
			m.leaveWait()
			m.buf, m.cur = c, c.Cursor()
			m.state = rxWaitFFSF

		default:
			return
		}
	}
}

// tryAlloc reports whether the machine can keep running.
func (m *rxMachine) tryAlloc() bool {
	size := m.length
	if m.opts.BS != 0 {
		size = min(int(m.opts.BS)*cfDataLen(m.rxDL, m.rx.extLen()), m.length)
	}
	c, err := m.port.allocData(size)
	if err != nil {
		switch {
		case m.wft == wftFirst:
			m.wft = 0
			m.port.startTimer(m.cfg.AllocTimeout)
			m.joinWait(waitData)
			return false
		case !m.timedOut:
			// woken by a release that did not free enough
			return false
		}
		m.timedOut = false
		m.state = rxSendWait
		return true
	}
	m.timedOut = false
	m.port.stopTimer()
	m.leaveWait()
	if m.buf != nil {
		m.buf.Link(c)
	} else {
		m.buf = c
	}
	m.cur = m.buf.Cursor()
	m.state = rxSendFC
	return true
}

// unbind releases everything the machine holds.
func (m *rxMachine) unbind() {
	m.port.stopTimer()
	m.leaveWait()
	if m.buf != nil {
		m.buf.Unref()
		m.buf, m.cur = nil, nil
	}
	m.state = rxUnbound
}
