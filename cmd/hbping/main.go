// hbping is a one-shot reachability check for fleet devices.
//
// Usage:
//
//	hbping                      Probe every device registered in the store
//	hbping 10.0.0.5 10.0.0.6    Probe specific addresses
//	hbping version              Print version information
//
// With no addresses, the device registry and the last recorded probe
// times come from the database configured in the gateway config file.
// Hidden devices are included and flagged.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/essfleet/hbgate/pkg/cli"
	"github.com/essfleet/hbgate/pkg/config"
	"github.com/essfleet/hbgate/pkg/probe"
	"github.com/essfleet/hbgate/pkg/store"
	"github.com/essfleet/hbgate/pkg/util"
	"github.com/essfleet/hbgate/pkg/version"
)

var (
	configPath string
	count      int
	timeout    time.Duration
	privileged bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "hbping [address...]",
	Short:         "One-shot reachability check of fleet devices",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetLogLevel("warn")
		return runPing(cmd.Context(), args)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Gateway configuration file (for the device registry)")
	rootCmd.Flags().IntVarP(&count, "count", "n", 3, "Echo requests per device")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Total probe time per device")
	rootCmd.Flags().BoolVar(&privileged, "privileged", false, "Use raw ICMP sockets (requires root)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hbping %s\n", version.Info())
		},
	})
}

// row is one table line: the device identity plus the recorded
// last_ping, filled in with the live probe result.
type row struct {
	address  string
	name     string
	lastPing string
	summary  probe.Summary
}

func runPing(ctx context.Context, args []string) error {
	rows, err := resolveTargets(ctx, args)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no devices registered")
		return nil
	}

	var g errgroup.Group
	g.SetLimit(32)
	for i := range rows {
		i := i
		g.Go(func() error {
			s, err := probe.Once(ctx, rows[i].address, count, timeout, privileged)
			if err != nil {
				util.WithDevice(rows[i].address).Debugf("probe failed: %v", err)
			}
			rows[i].summary = s
			return nil
		})
	}
	g.Wait()

	down := 0
	tbl := cli.NewTable(os.Stdout, "ADDRESS", "NAME", "AVG RTT", "SUCCESS", "LAST PING")
	for _, r := range rows {
		rate := r.summary.SuccessRate()
		avg := "-"
		if r.summary.Received > 0 {
			avg = fmt.Sprintf("%.1f ms", float64(r.summary.AvgRTT.Microseconds())/1000)
		} else {
			down++
		}
		last := r.lastPing
		if last == "" {
			last = "-"
		}
		tbl.Row(r.address, r.name, avg, cli.ReachabilityColor(rate, cli.Percent(rate)), last)
	}
	tbl.Flush()

	if down > 0 {
		return fmt.Errorf("%d of %d devices unreachable", down, len(rows))
	}
	return nil
}

// resolveTargets builds the probe list from the arguments, or from the
// device registry when none are given.
func resolveTargets(ctx context.Context, args []string) ([]row, error) {
	if len(args) > 0 {
		rows := make([]row, 0, len(args))
		for _, a := range args {
			rows = append(rows, row{address: a, name: a})
		}
		return rows, nil
	}

	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no addresses given and no database_url configured in %s", configPath)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	devices, err := st.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	comm, err := st.ListCommStatus(ctx)
	if err != nil {
		return nil, err
	}
	lastByAddr := make(map[string]string, len(comm))
	for _, c := range comm {
		lastByAddr[c.Address] = c.LastPing
	}

	rows := make([]row, 0, len(devices))
	for _, d := range devices {
		name := d.Name
		if d.Hidden {
			name += " (hidden)"
		}
		rows = append(rows, row{
			address:  d.Address,
			name:     name,
			lastPing: lastByAddr[d.Address],
		})
	}
	return rows, nil
}
