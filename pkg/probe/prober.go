package probe

import (
	"context"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"golang.org/x/sync/errgroup"

	"github.com/essfleet/hbgate/pkg/metrics"
	"github.com/essfleet/hbgate/pkg/util"
)

// Target names one device to probe.
type Target struct {
	Device  string
	Address string
}

// Recorder persists reachability aggregates after each probe cycle.
// lastOK reports whether the most recent probe succeeded; only then
// does the store refresh last_ping.
type Recorder interface {
	RecordReachability(ctx context.Context, t Target, pingAvg int, pingSuccess float64, lastOK bool) error
}

// Prober runs the probe scheduler: every interval it pings all targets
// concurrently, feeds the per-device windows, and records aggregates.
type Prober struct {
	targets    func() []Target
	recorder   Recorder
	interval   time.Duration
	timeout    time.Duration
	windowSize int
	privileged bool

	mu      sync.Mutex
	windows map[string]*Window

	// probeFn is swapped out in tests.
	probeFn func(ctx context.Context, address string) Sample
}

// New creates a prober over the given target source and recorder.
func New(targets func() []Target, recorder Recorder, interval, timeout time.Duration, windowSize int, privileged bool) *Prober {
	p := &Prober{
		targets:    targets,
		recorder:   recorder,
		interval:   interval,
		timeout:    timeout,
		windowSize: windowSize,
		privileged: privileged,
		windows:    make(map[string]*Window),
	}
	p.probeFn = p.icmpProbe
	return p
}

// Run executes probe cycles until the context is cancelled. The first
// cycle starts immediately.
func (p *Prober) Run(ctx context.Context) {
	log := util.WithComponent("prober")
	log.Infof("prober started (interval %s, timeout %s, window %d)", p.interval, p.timeout, p.windowSize)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("prober stopped")
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle probes every target concurrently and records aggregates.
// Failures are recorded as failure samples and never stop the
// scheduler.
func (p *Prober) cycle(ctx context.Context) {
	targets := p.targets()
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(32)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			sample := p.probeFn(ctx, t.Address)
			if sample.OK {
				metrics.Probes.WithLabelValues("success").Inc()
			} else {
				metrics.Probes.WithLabelValues("failure").Inc()
			}

			pingAvg, pingSuccess, lastOK := p.record(t.Address, sample)
			if err := p.recorder.RecordReachability(ctx, t, pingAvg, pingSuccess, lastOK); err != nil {
				metrics.StoreErrors.WithLabelValues("comm_upsert").Inc()
				util.WithDevice(t.Address).Warnf("reachability upsert failed: %v", err)
			}
			return nil
		})
	}
	g.Wait()
}

// record adds the sample to the device window and returns the fresh
// aggregates.
func (p *Prober) record(address string, s Sample) (pingAvg int, pingSuccess float64, lastOK bool) {
	p.mu.Lock()
	w, ok := p.windows[address]
	if !ok {
		w = NewWindow(p.windowSize)
		p.windows[address] = w
	}
	w.Add(s)
	pingAvg, pingSuccess = w.Aggregates()
	p.mu.Unlock()
	return pingAvg, pingSuccess, s.OK
}

// icmpProbe sends a single echo request and waits up to the probe
// timeout for the reply.
func (p *Prober) icmpProbe(ctx context.Context, address string) Sample {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		util.WithDevice(address).Debugf("pinger setup failed: %v", err)
		return Sample{}
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		util.WithDevice(address).Debugf("probe failed: %v", err)
		return Sample{}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Sample{}
	}
	return Sample{OK: true, RTT: stats.AvgRtt}
}
