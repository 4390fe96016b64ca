package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/tp"
)

var selftestSizes []int

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run loopback transfers on an in-process virtual bus",
	Long: `Create two nodes on a virtual bus, bind a receiver on one and send messages of
several sizes from the other, checking every payload byte. The protocol flags
(--bs, --stmin, --fd, --dl, --mode, ...) apply to both sides; --link is ignored.`,
	RunE: runSelftest,
}

func init() {
	selftestCmd.Flags().IntSliceVar(&selftestSizes, "sizes", []int{1, 7, 8, 62, 200, 4095, 5000}, "Message sizes to exchange")
	rootCmd.AddCommand(selftestCmd)
}

func runSelftest(cmd *cobra.Command, args []string) error {
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	addr, err := address()
	if err != nil {
		return err
	}
	// the tester sends on tx and the ECU answers flow control on rx
	testerRx, testerTx, err := addr.MsgIDs()
	if err != nil {
		return err
	}

	bus := driver.NewVirtualBus(fdMode, logger)
	tester, err := driver.NewAdapter(bus.Node("tester"), driver.AdapterOptions{FD: fdMode, Logger: logger})
	if err != nil {
		return err
	}
	defer tester.Close()
	ecu, err := driver.NewAdapter(bus.Node("ecu"), driver.AdapterOptions{FD: fdMode, Logger: logger})
	if err != nil {
		return err
	}
	defer ecu.Close()

	engine, err := tp.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	b, err := engine.Bind(ecu, testerTx, testerRx, flowControl())
	if err != nil {
		return err
	}
	defer b.Unbind()

	out := cmd.OutOrStdout()
	failed := 0
	for _, n := range selftestSizes {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i*7 + i>>8)
		}
		took, err := loopback(cmd.Context(), engine, tester, b, data, testerTx, testerRx)
		label := fmt.Sprintf("%6d bytes", n)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s  %s\n", label, render(errorStyle, fmt.Sprintf("FAIL %v", err)))
			continue
		}
		fmt.Fprintf(out, "%s  %s\n", label, render(valueStyle, fmt.Sprintf("ok %v", took.Round(time.Microsecond))))
	}

	st := engine.Stats()
	fmt.Fprintln(out)
	printStat(out, "messages tx", st.MessagesTx)
	printStat(out, "messages rx", st.MessagesRx)
	printStat(out, "frames tx", st.FramesTx)
	printStat(out, "frames rx", st.FramesRx)
	for _, p := range st.Pools {
		printStat(out, "pool "+p.Name, fmt.Sprintf("high water %d/%d, failures %d", p.HighWater, p.Blocks, p.Failures))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(selftestSizes))
	}
	return nil
}

func loopback(parent context.Context, e *tp.Engine, dev driver.Device, b *tp.Binding, data []byte, tx, rx tp.MsgID) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Send(ctx, dev, data, tx, rx) }()

	got, err := b.ReadMessage(ctx)
	if err != nil {
		cancel()
		<-errCh
		return 0, err
	}
	if err := <-errCh; err != nil {
		return 0, err
	}
	if !bytes.Equal(got, data) {
		return 0, fmt.Errorf("payload mismatch")
	}
	return time.Since(start), nil
}
