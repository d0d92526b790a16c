// Package cli wires the fleetrelay-hub command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for fleetrelay-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "fleetrelay-hub",
		Short: "Fleetrelay hub, a WebSocket relay between agents and consoles",
		Long: "Fleetrelay hub brokers control messages between agent processes and\n" +
			"console observers: targeted command dispatch, file transfer, and\n" +
			"fleet-wide state broadcasts.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
