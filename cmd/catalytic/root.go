package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	c := &command{flags: flags}

	root := &cobra.Command{
		Use:   "catalytic",
		Short: "Bridge between the test engine and bench instruments",
		Long: `catalytic dispatches engine tasks to serial and TCP instruments, tracks
device connections and buffers unsolicited device data.

Examples:
  catalytic serve --config=bench.toml
  catalytic devices list
  catalytic devices connect dmm1
  catalytic exec --address=COM3 --driver=serial --action=query --data='MEAS:VOLT?\n'
  catalytic run delay --params='{"ms":250}'`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.out = cmd.OutOrStdout()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "control API URL (default from config or http://127.0.0.1:8470/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS control API")

	root.AddCommand(
		createServeCommand(flags),
		createDevicesCommand(c),
		createExecCommand(c),
		createRunCommand(c),
		createReservoirCommand(c),
		createDriversCommand(c),
		createStatsCommand(c),
	)
	return root
}
