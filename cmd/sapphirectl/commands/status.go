package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a node's full diagnostic snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var snap stateSnapshot
			if err := getState("/state", &snap); err != nil {
				return fmt.Errorf("get state: %w", err)
			}

			return renderState(snap, outputFormat)
		},
	}
}
