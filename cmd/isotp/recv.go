package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canisotp/tp"
)

var (
	recvCount   int
	recvTimeout time.Duration
	recvEcho    bool
)

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Receive ISO-TP messages",
	Long: `Bind to the --rx identifier, answer first frames with flow control on --tx
(using --bs and --stmin) and print every reassembled message as a hex dump.`,
	Example: `  isotp recv --link socketcan://can0 --rx 7E0 --tx 7E8 --bs 8 --stmin 5
  isotp recv --link ws://gateway:8080/can --count 1 --timeout 5s`,
	RunE: runRecv,
}

func init() {
	recvCmd.Flags().IntVarP(&recvCount, "count", "n", 0, "Stop after this many messages (0 = forever)")
	recvCmd.Flags().DurationVarP(&recvTimeout, "timeout", "t", 0, "Give up waiting for a message after this long (0 = never)")
	recvCmd.Flags().BoolVar(&recvEcho, "echo", false, "Send every received message back")
	rootCmd.AddCommand(recvCmd)
}

func runRecv(cmd *cobra.Command, args []string) error {
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

	b, err := engine.Bind(dev, rx, tx, flowControl())
	if err != nil {
		return err
	}
	defer b.Unbind()

	out := cmd.OutOrStdout()
	logger.Info().Stringer("rx", rx).Stringer("tx", tx).Msg("listening")
	for n := 0; recvCount == 0 || n < recvCount; n++ {
		ctx, cancel := cmd.Context(), context.CancelFunc(func() {})
		if recvTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, recvTimeout)
		}
		msg, err := b.ReadMessage(ctx)
		cancel()
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case tp.CodeOf(err) == tp.RecvTimeout:
			return fmt.Errorf("no message within %v", recvTimeout)
		case err != nil:
			// reception errors end one message, not the session
			fmt.Fprintln(out, render(errorStyle, fmt.Sprintf("reception failed: %v", err)))
			continue
		}
		hexDump(out, fmt.Sprintf("#%d from %s", n+1, b.TxID()), msg)

		if recvEcho {
			sctx, scancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			err := b.Send(sctx, msg)
			scancel()
			if err != nil {
				logger.Warn().Err(err).Msg("echo failed")
			}
		}
	}
	return nil
}
