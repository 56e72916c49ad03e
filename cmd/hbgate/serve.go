package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/essfleet/hbgate/pkg/config"
	"github.com/essfleet/hbgate/pkg/health"
	"github.com/essfleet/hbgate/pkg/homebase"
	"github.com/essfleet/hbgate/pkg/probe"
	"github.com/essfleet/hbgate/pkg/server"
	"github.com/essfleet/hbgate/pkg/status"
	"github.com/essfleet/hbgate/pkg/store"
	"github.com/essfleet/hbgate/pkg/util"
	"github.com/essfleet/hbgate/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	Long: `Run the gateway daemon: bring up links to the registered homebases,
serve browsers on the WebSocket endpoint, probe device reachability and
follow the database change feed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	if err := cfg.Validate(true); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := util.WithComponent("daemon")
	log.Infof("hbgate %s starting", version.Version)

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	writer, err := statusWriter(st)
	if err != nil {
		return err
	}
	defer writer.Close()

	hub := server.NewHub()
	cache := status.NewCache(hub, writer)

	registry := homebase.NewRegistry(linkConfig(cfg), cache, hub, cfg.HomebaseAllowedIPs)
	if err := seedDevices(ctx, st, registry); err != nil {
		return err
	}

	prober := probe.New(
		registryTargets(registry),
		commRecorder{st},
		time.Duration(cfg.ProbeIntervalMs)*time.Millisecond,
		time.Duration(cfg.ProbeTimeoutS*float64(time.Second)),
		cfg.ProbeWindow,
		cfg.ProbePrivileged,
	)

	listener := store.NewListener(cfg.DatabaseURL, cache, hub, st)

	checker := health.NewChecker(
		&health.LinkCheck{Links: registry},
		&health.StoreCheck{Store: st},
		&health.BrowserCheck{Sessions: hub},
	)
	session := server.NewSession(registryLinks{registry}, st, cache)
	srv := server.New(fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BrowserPort), hub, session, checker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { prober.Run(gctx); return nil })

	err = g.Wait()
	log.Info("shutting down homebase links")
	registry.Shutdown()

	// An error matters only when it is what brought us down, not the
	// fallout of an operator-requested stop.
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("hbgate stopped")
	return nil
}

// statusWriter picks the status write path: real upserts when
// store_writes is on, otherwise the local JSON status log.
func statusWriter(st *store.Store) (store.StatusWriter, error) {
	if cfg.StoreWrites {
		return store.NewPGWriter(st), nil
	}
	w, err := store.NewLogWriter(cfg.StatusLogPath, store.RotationConfig{
		MaxSize:    10 * 1024 * 1024,
		MaxBackups: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("opening status log: %w", err)
	}
	return w, nil
}

// seedDevices brings up a link for every visible device row.
func seedDevices(ctx context.Context, st *store.Store, reg *homebase.Registry) error {
	devices, err := st.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	log := util.WithComponent("daemon")
	for _, d := range devices {
		if d.Hidden {
			log.Debugf("skipping hidden device %s", d.Address)
			continue
		}
		if _, err := reg.Ensure(d.Address); err != nil {
			log.Warnf("device %s not admitted: %v", d.Address, err)
			continue
		}
		reg.SetName(d.Address, d.Name)
	}
	log.Infof("registered %d devices", len(reg.Addresses()))
	return nil
}

func linkConfig(cfg *config.Config) homebase.LinkConfig {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return homebase.LinkConfig{
		Port:           cfg.HomebasePort,
		SubscribeEvery: cfg.SubscribeEveryDefault,

		ConnectTimeout:    ms(cfg.ConnectTimeoutMs),
		HeartbeatInterval: ms(cfg.HeartbeatIntervalMs),
		HeartbeatTimeout:  ms(cfg.HeartbeatTimeoutMs),
		StaleAfter:        ms(cfg.StaleMs),
		RefreshInterval:   ms(cfg.RefreshIntervalMs),
		PollInterval:      ms(cfg.PollIntervalMs),

		RequestTimeout: ms(cfg.RequestDefaultTimeoutMs),
		MaxInFlight:    cfg.MaxInFlight,
		MaxQueue:       cfg.MaxQueue,

		Backoff: homebase.BackoffConfig{
			FastWindow: ms(cfg.FastRetryWindowMs),
			FastBase:   ms(cfg.FastRetryBaseMs),
			FastJitter: ms(cfg.FastRetryJitterMs),
			SlowBase:   ms(cfg.SlowBaseBackoffMs),
			SlowMax:    ms(cfg.SlowMaxBackoffMs),
			SlowJitter: ms(cfg.SlowJitterMs),
		},
	}
}

// registryLinks adapts the homebase registry to the browser session's
// Links interface.
type registryLinks struct {
	reg *homebase.Registry
}

func (r registryLinks) Ensure(address string) (server.Evaluator, error) {
	l, err := r.reg.Ensure(address)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (r registryLinks) SetName(address, name string) { r.reg.SetName(address, name) }

func (r registryLinks) Addresses() []string { return r.reg.Addresses() }

// commRecorder points probe aggregates at the comm_status table.
type commRecorder struct {
	st *store.Store
}

func (c commRecorder) RecordReachability(ctx context.Context, t probe.Target, pingAvg int, pingSuccess float64, lastOK bool) error {
	return c.st.UpsertCommStatus(ctx, t.Device, t.Address, pingAvg, pingSuccess, lastOK)
}

// registryTargets exposes the registry's current membership to the
// prober, names resolved at call time.
func registryTargets(reg *homebase.Registry) func() []probe.Target {
	return func() []probe.Target {
		addrs := reg.Addresses()
		targets := make([]probe.Target, 0, len(addrs))
		for _, a := range addrs {
			targets = append(targets, probe.Target{Device: reg.Name(a), Address: a})
		}
		return targets
	}
}
