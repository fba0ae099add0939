package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarth-shah20/stasis/internal/orchestrator"
)

var downVolumes bool

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop and remove services",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, _, err := loadStack()
		if err != nil {
			return err
		}
		eng, err := newEngine(ctx, false)
		if err != nil {
			return err
		}
		defer eng.Close()

		orch := newOrchestrator(eng, nil)
		if err := orch.Down(ctx, st, orchestrator.DownOptions{RemoveVolumes: downVolumes}); err != nil {
			return err
		}

		fmt.Println("Environment stopped.")
		return nil
	},
}

func init() {
	downCmd.Flags().BoolVarP(&downVolumes, "volumes", "v", false, "also remove the stack's named volumes")
	rootCmd.AddCommand(downCmd)
}
