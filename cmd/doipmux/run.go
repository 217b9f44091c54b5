package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diagnet/doipmux/internal/capture"
	"github.com/diagnet/doipmux/internal/config"
	"github.com/diagnet/doipmux/internal/connection"
	"github.com/diagnet/doipmux/internal/demux"
	"github.com/diagnet/doipmux/internal/discovery"
	"github.com/diagnet/doipmux/internal/metrics"
	"github.com/diagnet/doipmux/internal/tracing"
	"github.com/diagnet/doipmux/internal/transport"
	"github.com/diagnet/doipmux/pkg/doip"
)

func newRunCmd() *cobra.Command {
	var discover bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured diagnostic sessions",
		Long: `Connect to every configured target and poll its sessions. Each session
sends its request once per established connection and logs every frame
addressed to it. Connections that time out, drop or fail are retried.

With --discover, vehicle identification requests are broadcast alongside
and announcements are logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return runSessions(ctx, cfg, discover)
		},
	}

	cmd.Flags().BoolVar(&discover, "discover", false, "broadcast vehicle identification requests while running")
	return cmd
}

// runSessions runs every configured session until ctx is done.
func runSessions(ctx context.Context, cfg *config.Config, discover bool) error {
	if len(cfg.Targets) == 0 {
		return fmt.Errorf("no targets configured")
	}
	defer startLogShipping(cfg)()

	r, err := newRunner(cfg, discover)
	if err != nil {
		return err
	}
	return r.run(ctx)
}

// endpoint is a session as the poller sees it, with or without capture.
type endpoint interface {
	Recv(length int) ([]byte, error)
	Send(payload []byte) error
	String() string
}

// runner owns every component of a run.
type runner struct {
	cfg *config.Config

	mgr     *transport.Manager
	dm      *demux.Demultiplexer
	targets []*target
	pollers []*poller

	capture   *capture.Writer
	collector *metrics.Collector
	discovery *discovery.Channel
	recorder  *tracing.Recorder
}

func newRunner(cfg *config.Config, discover bool) (*runner, error) {
	mgr, err := transport.NewManager(transport.Config{
		Port:           cfg.Port,
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		Observers:      []connection.Observer{connection.LoggingObserver{}},
	})
	if err != nil {
		return nil, err
	}

	dm := demux.New(mgr, demux.NewBuffer())
	mgr.AddObserver(dm)

	r := &runner{cfg: cfg, mgr: mgr, dm: dm}

	if cfg.Capture.Path != "" {
		w, err := capture.Create(cfg.Capture.Path, capture.WithLimit(cfg.Capture.MaxSize.Bytes()))
		if err != nil {
			return nil, err
		}
		r.capture = w
		log.Info().Str("path", cfg.Capture.Path).Str("limit", limitString(cfg)).Msg("capturing frames")
	}

	if cfg.Trace.Enabled {
		rec, err := tracing.Start(tracing.Config{Dir: cfg.Trace.Dir, MaxBytes: cfg.Trace.MaxSize.Bytes()})
		if err != nil {
			r.close()
			return nil, err
		}
		r.recorder = rec
		mgr.AddObserver(rec)
	}

	if discover {
		ch, err := discovery.New(discovery.Config{Port: cfg.Discovery.Port, Netif: netifConfig(cfg)})
		if err != nil {
			r.close()
			return nil, err
		}
		r.discovery = ch
	}

	for _, tc := range cfg.Targets {
		t := &target{
			name:      tc.Name,
			mgr:       mgr,
			h:         mgr.Open(tc.Addr()),
			reconnect: make(chan struct{}, 1),
		}
		r.targets = append(r.targets, t)

		for _, sc := range tc.Sessions {
			req, _ := sc.RequestBytes()
			sess := dm.NewSession(t.h, sc.Client.NodeID(), sc.Server.NodeID())
			var ep endpoint = sess
			if r.capture != nil {
				ep = capture.NewTap(sess, r.capture)
			}
			r.pollers = append(r.pollers, &poller{
				name:        tc.Name + "/" + sc.Name,
				target:      t,
				ep:          ep,
				frameLength: sc.FrameLength,
				request:     req,
			})
		}
	}

	if cfg.Metrics.Enabled {
		host, _ := os.Hostname()
		m := metrics.InitMetrics(host, Version)
		cc := metrics.CollectorConfig{Connections: mgr, Demux: dm, Buffer: dm.Buffer()}
		if r.discovery != nil {
			cc.Discovery = r.discovery
		}
		r.collector = metrics.NewCollector(m, cc)
		mgr.AddObserver(r.collector.TransitionObserver())
	}

	return r, nil
}

func limitString(cfg *config.Config) string {
	if cfg.Capture.MaxSize == 0 {
		return "unlimited"
	}
	return cfg.Capture.MaxSize.String()
}

// run blocks until ctx is done, then closes every connection.
func (r *runner) run(ctx context.Context) error {
	defer r.close()

	var wg sync.WaitGroup
	interval := r.cfg.PollIntervalDuration()

	if r.collector != nil {
		srv := &http.Server{
			Addr:              r.cfg.Metrics.Listen,
			Handler:           r.mux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.collector.Run(ctx, r.cfg.Metrics.IntervalDuration())
		}()
	}

	if r.discovery != nil {
		if err := r.discovery.Init(); err != nil {
			log.Warn().Err(err).Msg("discovery unavailable")
		} else {
			startWatch(ctx, r.discovery, r.cfg)
			d := &discoverer{
				ch:      r.discovery,
				poll:    r.cfg.Discovery.PollIntervalDuration(),
				timeout: r.cfg.Discovery.TimeoutDuration(),
				seen:    make(map[netip.Addr]*doip.VehicleAnnouncement),
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ctx.Err() == nil {
					if err := d.round(ctx); err != nil {
						log.Warn().Err(err).Msg("discovery round failed")
						select {
						case <-ctx.Done():
						case <-time.After(d.timeout):
						}
					}
				}
			}()
		}
	}

	for _, t := range r.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.maintain(ctx, interval)
		}()
	}
	for _, p := range r.pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(ctx, interval)
		}()
	}

	log.Info().Int("targets", len(r.targets)).Int("sessions", len(r.pollers)).Msg("running")
	wg.Wait()
	return nil
}

func (r *runner) close() {
	r.mgr.CloseAll()
	if r.discovery != nil {
		_ = r.discovery.Close()
	}
	if r.recorder != nil {
		r.recorder.Stop()
	}
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close capture")
		} else {
			log.Info().Uint64("records", r.capture.Records()).Msg("capture closed")
		}
	}
}

func (r *runner) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if r.recorder != nil {
		mux.Handle("/debug/trace", r.recorder)
	}
	return mux
}

// target keeps one shared connection up.
type target struct {
	name string
	mgr  *transport.Manager
	h    transport.Handle

	// gen counts established connections; sessions resend their request
	// when it moves.
	gen       atomic.Uint64
	reconnect chan struct{}
}

func (t *target) maintain(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.ensure(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.reconnect:
			t.ensure(true)
		case <-ticker.C:
			t.ensure(false)
		}
	}
}

// requestReconnect asks maintain to replace the connection.
func (t *target) requestReconnect() {
	select {
	case t.reconnect <- struct{}{}:
	default:
	}
}

func (t *target) ensure(force bool) {
	before, err := t.mgr.State(t.h)
	if err != nil {
		log.Error().Str("target", t.name).Err(err).Msg("invalid target handle")
		return
	}

	switch {
	case force:
		err = t.mgr.Reconnect(t.h)
	case before == connection.StateConnected:
		alive, perr := t.mgr.IsConnected(t.h)
		if perr == nil && alive {
			return
		}
		log.Info().Str("target", t.name).Msg("connection lost, reconnecting")
		err = t.mgr.Reconnect(t.h)
	default:
		err = t.mgr.Connect(t.h)
	}
	if err != nil {
		log.Warn().Str("target", t.name).Err(err).Msg("connect failed")
		return
	}

	if after, _ := t.mgr.State(t.h); after == connection.StateConnected {
		t.gen.Add(1)
		log.Info().Str("target", t.name).Int("handle", int(t.h)).Msg("connected")
	}
}

// poller drives one session.
type poller struct {
	name        string
	target      *target
	ep          endpoint
	frameLength int
	request     []byte

	sentGen uint64
	frames  uint64
}

func (p *poller) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll sends the request if the connection is new and then reads every
// frame currently available for the session.
func (p *poller) poll() {
	if gen := p.target.gen.Load(); len(p.request) > 0 && gen != 0 && gen != p.sentGen {
		if err := p.ep.Send(p.request); err != nil {
			p.fail(err)
			return
		}
		p.sentGen = gen
		log.Debug().Str("session", p.name).Hex("request", p.request).Msg("request sent")
	}

	for {
		frame, err := p.ep.Recv(p.frameLength)
		if errors.Is(err, transport.ErrMisrouted) {
			continue
		}
		if err != nil {
			p.fail(err)
			return
		}
		p.frames++
		log.Info().
			Str("session", p.name).
			Hex("frame", frame).
			Uint64("count", p.frames).
			Msg("frame received")
	}
}

func (p *poller) fail(err error) {
	switch {
	case errors.Is(err, transport.ErrConnectionDropped):
		log.Info().Str("session", p.name).Msg("connection dropped, waiting for reconnect")
	case transport.IsRetryable(err), errors.Is(err, transport.ErrNotConfigured):
	case errors.Is(err, transport.ErrIO):
		log.Warn().Str("session", p.name).Err(err).Msg("session i/o failed, reconnecting")
		p.target.requestReconnect()
	default:
		log.Warn().Str("session", p.name).Err(err).Msg("session failed")
	}
}
