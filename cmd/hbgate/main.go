// hbgate is the fleet gateway daemon.
//
// It bridges three worlds:
//
//   - homebase controllers, reached over outbound WebSocket links with
//     subscription, heartbeat and reconnect handling
//   - browser dashboards, served a live status stream plus a small
//     command vocabulary on a WebSocket endpoint
//   - PostgreSQL, both as the system of record for status rows and as
//     the change feed (LISTEN/NOTIFY) that keeps every browser current
//
// Usage:
//
//	hbgate serve [--config /etc/hbgate/config.yaml]
//	hbgate version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/essfleet/hbgate/pkg/config"
	"github.com/essfleet/hbgate/pkg/util"
	"github.com/essfleet/hbgate/pkg/version"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "hbgate",
	Short:             "Fleet gateway bridging homebases, browsers and PostgreSQL",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isVersionOrHelp(cmd) {
			return nil
		}

		var err error
		cfg, err = config.LoadFrom(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := util.SetLogLevel(cfg.LogLevel); err != nil {
			return err
		}
		if cfg.LogJSON {
			util.SetJSONFormat()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hbgate %s\n", version.Info())
	},
}

// isVersionOrHelp checks whether cmd (or any ancestor) is a help or
// version command, which run without configuration.
func isVersionOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version":
			return true
		}
	}
	return false
}
