package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func neighborsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "neighbors",
		Short: "List a node's neighbor table",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var neighbors []neighborView
			if err := getState("/state/neighbors", &neighbors); err != nil {
				return fmt.Errorf("get neighbors: %w", err)
			}

			return renderNeighbors(neighbors, outputFormat)
		},
	}
}
