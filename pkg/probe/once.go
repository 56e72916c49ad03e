package probe

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Summary is the outcome of a one-shot probe run.
type Summary struct {
	Sent     int
	Received int
	AvgRTT   time.Duration
}

// SuccessRate returns the received fraction, 0 when nothing was sent.
func (s Summary) SuccessRate() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Received) / float64(s.Sent)
}

// Once sends count echo requests at one address and reports the
// aggregate. The timeout bounds the whole run. This is the hbping
// path; the daemon schedules probes through Prober instead.
func Once(ctx context.Context, address string, count int, timeout time.Duration, privileged bool) (Summary, error) {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return Summary{Sent: count}, err
	}
	pinger.Count = count
	pinger.Interval = 200 * time.Millisecond
	pinger.Timeout = timeout
	pinger.SetPrivileged(privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return Summary{Sent: count}, err
	}

	stats := pinger.Statistics()
	return Summary{
		Sent:     stats.PacketsSent,
		Received: stats.PacketsRecv,
		AvgRTT:   stats.AvgRtt,
	}, nil
}
