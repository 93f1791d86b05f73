// transitd is the fleet tracking daemon: it serves the vehicle REST API
// and realtime channel, runs the motion simulator, and persists fleet
// state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BuildVersion is set at build time via ldflags.
var BuildVersion = "dev"

func main() {
	root := &cobra.Command{
		Use:          "transitd",
		Short:        "Transit fleet tracking daemon",
		Long:         "transitd simulates and broadcasts live positions for a transit fleet.\nVehicle records are kept in memory, persisted to a JSON state file, and\nstreamed to WebSocket observers.",
		Version:      BuildVersion,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := root.Flags()
	flags.String("config", ".", "directory containing transitd.cfg.json")
	flags.String("listen", ":5000", "HTTP listen address")
	flags.String("data", "./data/vehicles.json", "vehicle state file path")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	// Changed flags override config file values; unchanged flags defer
	// to the file.
	cobra.CheckErr(viper.BindPFlag("configDir", flags.Lookup("config")))
	cobra.CheckErr(viper.BindPFlag("server.listen", flags.Lookup("listen")))
	cobra.CheckErr(viper.BindPFlag("data.file", flags.Lookup("data")))
	cobra.CheckErr(viper.BindPFlag("logLevel", flags.Lookup("log-level")))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
