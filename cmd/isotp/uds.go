package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/LoveWonYoung/canisotp/udsclient"
)

var (
	udsTimeout time.Duration
	udsRetries int
	udsLevel   uint8
	udsKey     string
	udsBlock   int
)

var udsCmd = &cobra.Command{
	Use:   "uds",
	Short: "UDS (ISO 14229) diagnostic requests",
	Long: `Send UDS requests over ISO-TP and print the responses. Negative responses are
decoded, ResponsePending (0x78) extends the wait, and busy responses are retried.`,
}

var udsRawCmd = &cobra.Command{
	Use:     "raw <hex request...>",
	Short:   "Send a raw request",
	Example: "  isotp uds raw 22 F1 90",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseHexBytes(args...)
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *udsclient.UDSClient) error {
			resp, err := c.RequestWithContext(cmd.Context(), req, requestOptions())
			if err != nil {
				return err
			}
			hexDump(cmd.OutOrStdout(), "response", resp)
			return nil
		})
	},
}

var udsSessionCmd = &cobra.Command{
	Use:   "session <type>",
	Short: "DiagnosticSessionControl (0x10)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := strconv.ParseUint(args[0], 16, 8)
		if err != nil {
			return fmt.Errorf("invalid session %q", args[0])
		}
		return withClient(cmd, func(c *udsclient.UDSClient) error {
			params, err := c.DiagnosticSessionControl(cmd.Context(), byte(session))
			if err != nil {
				return err
			}
			hexDump(cmd.OutOrStdout(), fmt.Sprintf("session 0x%02X timing", session), params)
			return nil
		})
	},
}

var udsReadCmd = &cobra.Command{
	Use:     "read <did>",
	Short:   "ReadDataByIdentifier (0x22)",
	Example: "  isotp uds read F190",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		did, err := strconv.ParseUint(args[0], 16, 16)
		if err != nil {
			return fmt.Errorf("invalid DID %q", args[0])
		}
		return withClient(cmd, func(c *udsclient.UDSClient) error {
			data, err := c.ReadDataByIdentifier(cmd.Context(), uint16(did))
			if err != nil {
				return err
			}
			hexDump(cmd.OutOrStdout(), fmt.Sprintf("DID 0x%04X", did), data)
			return nil
		})
	},
}

var udsUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "SecurityAccess (0x27) with an AES-CMAC key",
	Long: `Request a seed at --level and answer with AES-CMAC(--key, seed). The key is
16, 24 or 32 bytes of hex.`,
	Example: "  isotp uds unlock --level 1 --key 2B7E151628AED2A6ABF7158809CF4F3C",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := parseHexBytes(udsKey)
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *udsclient.UDSClient) error {
			if err := c.SecurityAccess(cmd.Context(), udsLevel, udsclient.CMACKey(secret)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), render(valueStyle, fmt.Sprintf("level 0x%02X unlocked", udsLevel)))
			return nil
		})
	},
}

var udsDownloadCmd = &cobra.Command{
	Use:   "download <file.hex>",
	Short: "Download an Intel-HEX image (0x34/0x36/0x37)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return withClient(cmd, func(c *udsclient.UDSClient) error {
			out := cmd.OutOrStdout()
			return c.Download(cmd.Context(), f, udsclient.DownloadOptions{
				MaxBlockLength: udsBlock,
				Progress: func(addr uint32, done, total int) {
					fmt.Fprintf(out, "\r%s %d/%d", render(labelStyle, fmt.Sprintf("0x%08X", addr)), done, total)
					if done == total {
						fmt.Fprintln(out)
					}
				},
			})
		})
	},
}

func init() {
	udsCmd.PersistentFlags().DurationVar(&udsTimeout, "p2", 500*time.Millisecond, "Response timeout (P2)")
	udsCmd.PersistentFlags().IntVar(&udsRetries, "retries", 3, "Retries on busy responses")
	udsUnlockCmd.Flags().Uint8Var(&udsLevel, "level", 1, "Security level (odd)")
	udsUnlockCmd.Flags().StringVar(&udsKey, "key", "", "AES key (hex)")
	_ = udsUnlockCmd.MarkFlagRequired("key")
	udsDownloadCmd.Flags().IntVar(&udsBlock, "block", 0, "Limit TransferData length (0 = ECU maximum)")

	udsCmd.AddCommand(udsRawCmd, udsSessionCmd, udsReadCmd, udsUnlockCmd, udsDownloadCmd)
	rootCmd.AddCommand(udsCmd)
}

func withClient(cmd *cobra.Command, fn func(c *udsclient.UDSClient) error) error {
	cfg, err := engineConfig()
	if err != nil {
		return err
	}
	addr, err := address()
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

	c, err := udsclient.NewUDSClient(engine, dev, addr, flowControl(), logger)
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetDefaultOptions(requestOptions())
	return fn(c)
}

func requestOptions() udsclient.RequestOptions {
	return udsclient.RequestOptions{Timeout: udsTimeout, MaxRetries: udsRetries, RetryDelay: 100 * time.Millisecond}
}
