package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <service> [-- <command> [args...]]",
	Short: "Run a one-off container from a service's definition",
	Long: `Start a new container from the service's image with its environment,
networks and mounts, run the command (or the service's default command),
stream its output and remove it afterwards.`,
	Args: cobra.MinimumNArgs(1),
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

		code, err := newOrchestrator(eng, nil).Run(ctx, st, args[0], args[1:], os.Stdout, os.Stderr)
		if err != nil {
			return err
		}
		if code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
