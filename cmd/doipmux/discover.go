package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diagnet/doipmux/internal/config"
	"github.com/diagnet/doipmux/internal/discovery"
	"github.com/diagnet/doipmux/internal/netif"
	"github.com/diagnet/doipmux/pkg/doip"
)

func newDiscoverCmd() *cobra.Command {
	var (
		timeout time.Duration
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Broadcast a vehicle identification request and list the answers",
		Long: `Broadcast a vehicle identification request on every local IPv4 interface
and print each gateway that answers from the diagnostic port.

With --watch, discovery keeps running: the request is repeated every
--timeout and sockets are rebound when network interfaces change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if watch {
				defer startLogShipping(cfg)()
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = cfg.Discovery.TimeoutDuration()
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			ch, err := discovery.New(discovery.Config{
				Port:  cfg.Discovery.Port,
				Netif: netifConfig(cfg),
			})
			if err != nil {
				return err
			}
			if err := ch.Init(); err != nil {
				return err
			}
			defer func() { _ = ch.Close() }()

			if watch {
				startWatch(ctx, ch, cfg)
			}

			d := &discoverer{
				ch:      ch,
				poll:    cfg.Discovery.PollIntervalDuration(),
				timeout: timeout,
				seen:    make(map[netip.Addr]*doip.VehicleAnnouncement),
			}

			for {
				if err := d.round(ctx); err != nil {
					return err
				}
				if !watch || ctx.Err() != nil {
					break
				}
			}
			return d.print(cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "how long to listen for answers")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep discovering until interrupted")
	return cmd
}

// startWatch rebinds the channel on interface changes until ctx is done.
func startWatch(ctx context.Context, ch *discovery.Channel, cfg *config.Config) {
	w, err := netif.NewWatcher(netifConfig(cfg))
	if err != nil {
		log.Warn().Err(err).Msg("interface watcher unavailable")
		return
	}
	go func() {
		defer func() { _ = w.Close() }()
		if err := ch.Watch(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("interface watcher stopped")
		}
	}()
}

// discoverer collects vehicle announcements across broadcast rounds.
type discoverer struct {
	ch      *discovery.Channel
	poll    time.Duration
	timeout time.Duration

	mu   sync.Mutex
	seen map[netip.Addr]*doip.VehicleAnnouncement
}

// round broadcasts one request and collects answers until the timeout.
func (d *discoverer) round(ctx context.Context) error {
	if err := d.ch.BroadcastSend(doip.VehicleIdentificationRequest()); err != nil {
		if !errors.Is(err, discovery.ErrSendIncomplete) {
			return err
		}
		// Partial failures are already logged per interface.
	}

	deadline := time.NewTimer(d.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		if err := d.drain(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

// drain handles every datagram that is pending right now.
func (d *discoverer) drain() error {
	for {
		dg, err := d.ch.ReceiveOne()
		if errors.Is(err, discovery.ErrNoData) {
			return nil
		}
		if err != nil {
			return err
		}
		d.handle(dg)
	}
}

func (d *discoverer) handle(dg *discovery.Datagram) {
	if !dg.Authoritative {
		log.Trace().Str("from", dg.From.String()).Msg("ignoring non-authoritative datagram")
		return
	}
	ann, err := doip.ParseVehicleAnnouncement(dg.Payload)
	if err != nil {
		log.Debug().Str("from", dg.From.String()).Err(err).Msg("ignoring datagram")
		return
	}

	addr := dg.From.Addr().Unmap()
	d.mu.Lock()
	_, known := d.seen[addr]
	d.seen[addr] = ann
	d.mu.Unlock()

	if !known {
		log.Info().
			Str("addr", addr.String()).
			Str("vin", ann.VIN).
			Str("logical_address", ann.LogicalAddress.String()).
			Str("iface", dg.Interface).
			Msg("vehicle announced")
	}
}

func (d *discoverer) print(out io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.seen) == 0 {
		_, _ = fmt.Fprintln(out, "No vehicles answered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ADDRESS\tVIN\tLOGICAL\tEID\tGID")
	for addr, ann := range d.seen {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%x\t%x\n", addr, ann.VIN, ann.LogicalAddress, ann.EID, ann.GID)
	}
	return w.Flush()
}
