package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/LoveWonYoung/canisotp/logrecorder"
	"github.com/LoveWonYoung/canisotp/tp"
)

var (
	// Link flags
	linkURL  string
	fdMode   bool
	brsMode  bool
	dataLen  int
	extended bool

	// Addressing flags
	addrMode string
	txIDStr  string
	rxIDStr  string
	targetAd uint8
	sourceAd uint8
	addrExt  uint8

	// Protocol flags
	blockSize  uint8
	stMin      uint8
	padding    string
	minLength  int
	timeoutAs  time.Duration
	timeoutBs  time.Duration
	timeoutCr  time.Duration
	wftMax     int
	rxBufCount int
	rxBufSize  int

	// Logging flags
	logLevel string
	logDir   string

	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "isotp",
	Short: "ISO 15765-2 transport tool",
	Long: `isotp - send, receive and bridge ISO-TP messages over CAN and CAN FD.

Link URLs:
  virtual://                         in-process bus (selftest)
  socketcan://can0                   Linux SocketCAN interface
  slcan:///dev/ttyACM0?baud=115200   Lawicel serial adapter (&bitrate=500000)
  ws://host:8080/can                 WebSocket tunnel to an "isotp bridge"
  quic://host:4433                   QUIC tunnel to an "isotp bridge"

Addressing modes: normal, fixed, extended, mixed. Identifiers are hex.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	pf := rootCmd.PersistentFlags()

	pf.StringVarP(&linkURL, "link", "l", "virtual://", "Link URL")
	pf.BoolVar(&fdMode, "fd", false, "Use CAN FD frames")
	pf.BoolVar(&brsMode, "brs", false, "Bit rate switch (CAN FD only)")
	pf.IntVar(&dataLen, "dl", 0, "Transmit data length (8, 12..64); 0 selects the link default")
	pf.BoolVar(&extended, "29bit", false, "29-bit identifiers (normal and extended modes)")

	pf.StringVar(&addrMode, "mode", "normal", "Addressing mode: normal, fixed, extended, mixed")
	pf.StringVar(&txIDStr, "tx", "7E0", "Transmit identifier (hex)")
	pf.StringVar(&rxIDStr, "rx", "7E8", "Receive identifier (hex)")
	pf.Uint8Var(&targetAd, "ta", 0x10, "Target address N_TA (fixed, extended, mixed)")
	pf.Uint8Var(&sourceAd, "sa", 0xF1, "Source address N_SA (fixed, extended, mixed)")
	pf.Uint8Var(&addrExt, "ae", 0, "Address extension N_AE (mixed)")

	pf.Uint8Var(&blockSize, "bs", 0, "Block size announced in flow control")
	pf.Uint8Var(&stMin, "stmin", 0, "STmin announced in flow control (raw byte)")
	pf.StringVar(&padding, "padding", "CC", `Padding byte (hex) or "none"`)
	pf.IntVar(&minLength, "min-length", 0, "Minimum transmitted frame length")
	pf.DurationVar(&timeoutAs, "n-as", time.Second, "N_As timeout")
	pf.DurationVar(&timeoutBs, "n-bs", time.Second, "N_Bs timeout")
	pf.DurationVar(&timeoutCr, "n-cr", time.Second, "N_Cr timeout")
	pf.IntVar(&wftMax, "wftmax", 10, "Maximum number of FC WAIT frames")
	pf.IntVar(&rxBufCount, "rx-blocks", 64, "Receive data blocks")
	pf.IntVar(&rxBufSize, "rx-block-size", 256, "Bytes per receive data block")

	pf.StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	pf.StringVar(&logDir, "log-dir", "", "Also write JSON logs to dated files under this directory")
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	}
	if logDir == "" {
		logger = zerolog.New(console).Level(level).With().Timestamp().Logger()
		return nil
	}

	rec, err := logrecorder.New(logrecorder.Options{Dir: logDir, Name: "isotp_", Level: level, Console: console})
	if err != nil {
		return err
	}
	rec.RotateEvery(cmd.Context(), logrecorder.DefaultRotateInterval)
	logger = rec.Logger()
	return nil
}

// engineConfig maps the protocol flags onto tp.Config.
func engineConfig() (tp.Config, error) {
	cfg := tp.DefaultConfig()
	cfg.TimeoutN_As = timeoutAs
	cfg.TimeoutN_Bs = timeoutBs
	cfg.TimeoutN_Cr = timeoutCr
	cfg.WFTMax = wftMax
	cfg.RxBufCount = rxBufCount
	cfg.RxBufSize = rxBufSize
	cfg.TxDataMinLength = minLength
	cfg.Logger = logger

	if strings.EqualFold(padding, "none") {
		cfg.PaddingByte = nil
	} else {
		b, err := strconv.ParseUint(strings.TrimPrefix(padding, "0x"), 16, 8)
		if err != nil {
			return cfg, fmt.Errorf("invalid --padding %q", padding)
		}
		pad := byte(b)
		cfg.PaddingByte = &pad
	}
	return cfg, cfg.Validate()
}

func flowControl() tp.FlowControlOptions {
	return tp.FlowControlOptions{BS: blockSize, STmin: stMin}
}

// address builds the tp.Address selected by the addressing flags.
func address() (tp.Address, error) {
	txID, err := parseID(txIDStr)
	if err != nil {
		return tp.Address{}, fmt.Errorf("invalid --tx: %w", err)
	}
	rxID, err := parseID(rxIDStr)
	if err != nil {
		return tp.Address{}, fmt.Errorf("invalid --rx: %w", err)
	}
	a := tp.Address{
		TxID:             txID,
		RxID:             rxID,
		TargetAddress:    targetAd,
		SourceAddress:    sourceAd,
		AddressExtension: addrExt,
		FD:               fdMode,
		BRS:              brsMode,
		DL:               dataLen,
	}
	switch strings.ToLower(addrMode) {
	case "normal":
		a.AddressingMode = tp.Normal11bits
		if extended {
			a.AddressingMode = tp.Normal29bits
		}
	case "fixed":
		a.AddressingMode = tp.NormalFixed29bits
	case "extended":
		a.AddressingMode = tp.Extended11bits
		if extended {
			a.AddressingMode = tp.Extended29bits
		}
	case "mixed":
		a.AddressingMode = tp.Mixed11bits
		if extended {
			a.AddressingMode = tp.Mixed29bits
		}
	default:
		return a, fmt.Errorf("unknown addressing mode %q", addrMode)
	}
	return a, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, err
	}
	if v > 0x1FFFFFFF {
		return 0, fmt.Errorf("identifier 0x%X out of range", v)
	}
	return uint32(v), nil
}
