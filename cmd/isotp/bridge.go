package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/driver/tunnel"
)

var (
	bridgeWS    string
	bridgeQUIC  string
	bridgePath  string
	bridgeLocal bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve a CAN tunnel for remote isotp instances",
	Long: `Expose a CAN bus to remote peers over WebSocket and/or QUIC. Frames from each
peer are forwarded to every other peer and, with --local, to the --link bus.

Without --local the bridge is a pure hub joining its peers into one virtual bus.`,
	Example: `  isotp bridge --link socketcan://can0 --local --ws :8080
  isotp bridge --ws :8080 --quic :4433`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeWS, "ws", "", "WebSocket listen address, e.g. :8080")
	bridgeCmd.Flags().StringVar(&bridgeQUIC, "quic", "", "QUIC listen address, e.g. :4433")
	bridgeCmd.Flags().StringVar(&bridgePath, "path", "/can", "WebSocket URL path")
	bridgeCmd.Flags().BoolVar(&bridgeLocal, "local", false, "Attach the --link bus to the bridge")
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	if bridgeWS == "" && bridgeQUIC == "" {
		return fmt.Errorf("nothing to serve: pass --ws and/or --quic")
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var local driver.CANDriver
	if bridgeLocal {
		drv, err := newDriver(linkURL, fdMode, logger)
		if err != nil {
			return err
		}
		if err := drv.Init(); err != nil {
			return fmt.Errorf("open %s: %w", linkURL, err)
		}
		drv.Start()
		defer drv.Stop()
		local = drv
	}

	br := tunnel.NewBridge(local, logger)
	errCh := make(chan error, 2)

	if bridgeWS != "" {
		mux := http.NewServeMux()
		mux.Handle(bridgePath, br)
		srv := &http.Server{Addr: bridgeWS, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", bridgeWS).Str("path", bridgePath).Msg("WebSocket tunnel listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if bridgeQUIC != "" {
		ln, err := tunnel.ListenQUIC(bridgeQUIC, nil)
		if err != nil {
			return err
		}
		defer ln.Close()
		go func() {
			logger.Info().Stringer("addr", ln.Addr()).Msg("QUIC tunnel listening")
			if err := br.ServeQUIC(ctx, ln); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
	}

	go br.Run(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
