package tp

import (
	"errors"
	"fmt"
)

// ResultCode is an ISO 15765-2 N_Result style status. Zero is success,
// failures are negative.
type ResultCode int

const (
	NResultOK            ResultCode = 0
	NResultTimeoutA      ResultCode = -1
	NResultTimeoutBs     ResultCode = -2
	NResultTimeoutCr     ResultCode = -3
	NResultWrongSN       ResultCode = -4
	NResultInvalidFS     ResultCode = -5
	NResultUnexpPDU      ResultCode = -6
	NResultWftOvrn       ResultCode = -7
	NResultBufferOverflw ResultCode = -8
	NResultError         ResultCode = -9
	NoFreeFilter         ResultCode = -10
	NoNetBufLeft         ResultCode = -11
	NoBufDataLeft        ResultCode = -12
	NoCtxLeft            ResultCode = -13
	RecvTimeout          ResultCode = -14
	InvalidConfig        ResultCode = -15
	Aborted              ResultCode = -16
)

var resultNames = map[ResultCode]string{
	NResultOK:            "N_OK",
	NResultTimeoutA:      "N_TIMEOUT_A",
	NResultTimeoutBs:     "N_TIMEOUT_BS",
	NResultTimeoutCr:     "N_TIMEOUT_CR",
	NResultWrongSN:       "N_WRONG_SN",
	NResultInvalidFS:     "N_INVALID_FS",
	NResultUnexpPDU:      "N_UNEXP_PDU",
	NResultWftOvrn:       "N_WFT_OVRN",
	NResultBufferOverflw: "N_BUFFER_OVERFLW",
	NResultError:         "N_ERROR",
	NoFreeFilter:         "NO_FREE_FILTER",
	NoNetBufLeft:         "NO_NET_BUF_LEFT",
	NoBufDataLeft:        "NO_BUF_DATA_LEFT",
	NoCtxLeft:            "NO_CTX_LEFT",
	RecvTimeout:          "RECV_TIMEOUT",
	InvalidConfig:        "INVALID_CONFIG",
	Aborted:              "ABORTED",
}

func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return fmt.Sprintf("N_RESULT(%d)", int(c))
}

var resultMessages = map[ResultCode]string{
	NResultTimeoutA:      "link layer did not acknowledge transmission in time",
	NResultTimeoutBs:     "flow control frame not received in time",
	NResultTimeoutCr:     "consecutive frame not received in time",
	NResultWrongSN:       "wrong sequence number in consecutive frame",
	NResultInvalidFS:     "invalid flow status in flow control frame",
	NResultUnexpPDU:      "unexpected protocol data unit",
	NResultWftOvrn:       "maximum wait flow control frames reached",
	NResultBufferOverflw: "buffer overflow",
	NResultError:         "link layer error",
	NoFreeFilter:         "no free receive filter",
	NoNetBufLeft:         "no parsing context buffer left",
	NoBufDataLeft:        "not enough buffer space for data",
	NoCtxLeft:            "no transfer context left",
	RecvTimeout:          "receive timed out",
	InvalidConfig:        "invalid configuration",
	Aborted:              "transfer aborted",
}

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// IsoTpError is the error type of every failed send or receive.
// errors.Is matches two IsoTpErrors by Code only.
type IsoTpError struct {
	Code ResultCode
	msg  string
}

func newErrorf(code ResultCode, format string, args ...any) IsoTpError {
	return IsoTpError{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (e IsoTpError) Error() string {
	return fmt.Sprintf("isotp %s: %s", e.Code, messageOrDefault(e.msg, messageOrDefault(resultMessages[e.Code], "ISO-TP error")))
}

func (e IsoTpError) Is(target error) bool {
	t, ok := target.(IsoTpError)
	return ok && t.Code == e.Code
}

var (
	ErrTimeoutA      = IsoTpError{Code: NResultTimeoutA}
	ErrTimeoutBs     = IsoTpError{Code: NResultTimeoutBs}
	ErrTimeoutCr     = IsoTpError{Code: NResultTimeoutCr}
	ErrWrongSN       = IsoTpError{Code: NResultWrongSN}
	ErrInvalidFS     = IsoTpError{Code: NResultInvalidFS}
	ErrUnexpPDU      = IsoTpError{Code: NResultUnexpPDU}
	ErrWftOvrn       = IsoTpError{Code: NResultWftOvrn}
	ErrBufferOverflw = IsoTpError{Code: NResultBufferOverflw}
	ErrLink          = IsoTpError{Code: NResultError}
	ErrNoFreeFilter  = IsoTpError{Code: NoFreeFilter}
	ErrNoNetBufLeft  = IsoTpError{Code: NoNetBufLeft}
	ErrNoBufDataLeft = IsoTpError{Code: NoBufDataLeft}
	ErrNoCtxLeft     = IsoTpError{Code: NoCtxLeft}
	ErrRecvTimeout   = IsoTpError{Code: RecvTimeout}
	ErrInvalidConfig = IsoTpError{Code: InvalidConfig}
	ErrAborted       = IsoTpError{Code: Aborted}
)

// CodeOf extracts the result code of err. nil maps to NResultOK and
// foreign errors to NResultError.
func CodeOf(err error) ResultCode {
	if err == nil {
		return NResultOK
	}
	var e IsoTpError
	if errors.As(err, &e) {
		return e.Code
	}
	return NResultError
}
