package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

// shellCmd launches an interactive console attached to a running node,
// using github.com/reeflective/console's readline-backed shell. The
// shell offers the status, neighbors and routes subcommands, which
// behave exactly as on the command line, since the console rebuilds the
// same cobra commands per prompt rather than keeping a second parser.
func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive sapphirectl console",
		Long:  "Launches a readline-backed REPL against the sapphirectl command tree. Type 'help' or 'exit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("sapphirectl")

			menu := app.ActiveMenu()
			menu.Prompt().Primary = func() string {
				return fmt.Sprintf("sapphirectl (%s) > ", serverAddr)
			}
			menu.SetCommands(func() *cobra.Command {
				return shellRootCmd()
			})

			if err := app.Start(); err != nil {
				return fmt.Errorf("start console: %w", err)
			}

			return nil
		},
	}
}

// shellRootCmd builds a fresh copy of the top-level command tree for
// the console to dispatch against, minus "shell" itself (nesting the
// shell command inside the shell would be pointless) and "version"
// dropped in favor of the console's own banner.
func shellRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sapphirectl",
		Short:         rootCmd.Short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(statusCmd())
	root.AddCommand(neighborsCmd())
	root.AddCommand(routesCmd())

	return root
}
