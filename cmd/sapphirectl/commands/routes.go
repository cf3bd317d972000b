package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List a node's route table",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var routes []routeView
			if err := getState("/state/routes", &routes); err != nil {
				return fmt.Errorf("get routes: %w", err)
			}

			return renderRoutes(routes, outputFormat)
		},
	}
}
