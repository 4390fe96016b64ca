package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canisotp/tp"
)

var (
	sendFile    string
	sendTimeout time.Duration
	sendRepeat  int
)

var sendCmd = &cobra.Command{
	Use:   "send [hex payload...]",
	Short: "Send one ISO-TP message",
	Long: `Segment a payload into ISO-TP frames and send it to the --tx identifier,
waiting for flow control on --rx.

The payload is given as hex arguments ("22 F1 90") or read raw from --file.`,
	Example: `  isotp send --link socketcan://can0 --tx 7E0 --rx 7E8 22 F1 90
  isotp send --link slcan:///dev/ttyACM0 --file block.bin --bs 8`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Read the payload from a file")
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 10*time.Second, "Overall send timeout")
	sendCmd.Flags().IntVarP(&sendRepeat, "repeat", "n", 1, "Number of times to send the payload")
	rootCmd.AddCommand(sendCmd)
}

func loadPayload(args []string) ([]byte, error) {
	if sendFile != "" {
		return os.ReadFile(sendFile)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no payload: pass hex bytes or --file")
	}
	return parseHexBytes(args...)
}

func runSend(cmd *cobra.Command, args []string) error {
	data, err := loadPayload(args)
	if err != nil {
		return err
	}
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	addr, err := address()
	if err != nil {
		return err
	}
	rx, tx, err := addr.MsgIDs()
	if err != nil {
		return err
	}

	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()
	engine, err := tp.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	out := cmd.OutOrStdout()
	for i := 0; i < sendRepeat; i++ {
		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		start := time.Now()
		err := engine.Send(ctx, dev, data, tx, rx)
		cancel()
		if err != nil {
			fmt.Fprintln(out, render(errorStyle, fmt.Sprintf("send failed: %v (%s)", err, tp.CodeOf(err))))
			return err
		}
		logger.Info().Int("bytes", len(data)).Dur("took", time.Since(start)).Stringer("tx", tx).Msg("message sent")
	}

	st := engine.Stats()
	printStat(out, "messages", st.MessagesTx)
	printStat(out, "frames tx", st.FramesTx)
	printStat(out, "wait frames", st.WaitRx)
	return nil
}
