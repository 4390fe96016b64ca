package tp

import (
	"sync/atomic"

	"github.com/LoveWonYoung/canisotp/netbuf"
)

const numResultCodes = -int(Aborted) + 1

// statistics tracks engine-wide counters.
type statistics struct {
	framesTx   uint64
	framesRx   uint64
	messagesTx uint64
	messagesRx uint64
	waitTx     uint64
	waitRx     uint64
	errors     [numResultCodes]uint64
}

func (s *statistics) frameTx()   { atomic.AddUint64(&s.framesTx, 1) }
func (s *statistics) frameRx()   { atomic.AddUint64(&s.framesRx, 1) }
func (s *statistics) messageTx() { atomic.AddUint64(&s.messagesTx, 1) }
func (s *statistics) messageRx() { atomic.AddUint64(&s.messagesRx, 1) }
func (s *statistics) waitSent()  { atomic.AddUint64(&s.waitTx, 1) }
func (s *statistics) waitSeen()  { atomic.AddUint64(&s.waitRx, 1) }

func (s *statistics) failure(code ResultCode) {
	if i := -int(code); i > 0 && i < numResultCodes {
		atomic.AddUint64(&s.errors[i], 1)
	}
}

// Stats is a snapshot of engine activity.
type Stats struct {
	FramesTx    uint64
	FramesRx    uint64
	MessagesTx  uint64
	MessagesRx  uint64
	WaitTx      uint64 // FC WAIT frames sent by receivers
	WaitRx      uint64 // FC WAIT frames seen by senders
	Errors      map[ResultCode]uint64
	Pools       []netbuf.Stats
	Bindings    int
	Transfers   int
	WaitingCtx  int // receivers parked on the context wait list
	WaitingData int // receivers parked on the data wait list
}

func (s *statistics) snapshot() Stats {
	st := Stats{
		FramesTx:   atomic.LoadUint64(&s.framesTx),
		FramesRx:   atomic.LoadUint64(&s.framesRx),
		MessagesTx: atomic.LoadUint64(&s.messagesTx),
		MessagesRx: atomic.LoadUint64(&s.messagesRx),
		WaitTx:     atomic.LoadUint64(&s.waitTx),
		WaitRx:     atomic.LoadUint64(&s.waitRx),
		Errors:     make(map[ResultCode]uint64),
	}
	for i := 1; i < numResultCodes; i++ {
		if n := atomic.LoadUint64(&s.errors[i]); n > 0 {
			st.Errors[ResultCode(-i)] = n
		}
	}
	return st
}
