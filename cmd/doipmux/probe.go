package main

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diagnet/doipmux/internal/transport"
)

func newProbeCmd() *cobra.Command {
	var attempts int

	cmd := &cobra.Command{
		Use:   "probe <ipv4-address>",
		Short: "Check that a gateway accepts TCP connections on the diagnostic port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(args[0])
			if err != nil || !addr.Unmap().Is4() {
				return fmt.Errorf("invalid IPv4 address %q", args[0])
			}

			mgr, err := transport.NewManager(transport.Config{
				Port:           cfg.Port,
				ConnectTimeout: cfg.ConnectTimeoutDuration(),
			})
			if err != nil {
				return err
			}
			defer mgr.CloseAll()

			h := mgr.Open(addr)
			start := time.Now()
			connected, err := probe(mgr, h, attempts)
			if err != nil {
				return err
			}

			remote := netip.AddrPortFrom(addr.Unmap(), uint16(cfg.Port))
			if !connected {
				return fmt.Errorf("%s did not answer after %d attempts", remote, attempts)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s accepted the connection in %s\n",
				remote, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVarP(&attempts, "attempts", "n", 3, "connect attempts before giving up")
	return cmd
}

// probe connects h up to attempts times and closes it again once connected.
// A timed-out attempt is retried; a rejection is returned.
func probe(mgr *transport.Manager, h transport.Handle, attempts int) (bool, error) {
	for i := 1; i <= attempts; i++ {
		if err := mgr.Connect(h); err != nil {
			return false, err
		}
		ok, err := mgr.IsConnected(h)
		if err != nil {
			return false, err
		}
		if ok {
			if err := mgr.Close(h); err != nil {
				log.Debug().Err(err).Msg("close after probe")
			}
			return true, nil
		}
		log.Debug().Int("attempt", i).Msg("connect timed out")
	}
	return false, nil
}
