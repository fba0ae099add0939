package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec <service> -- <command> [args...]",
	Short: "Run a command inside a running service's container",
	Long: `Run a command inside the service's container. The command sees the same
networks as the service, so service names resolve as they do for the
service itself. Use this for migrations and other tools that read the
stack's connection strings.`,
	Args: cobra.MinimumNArgs(2),
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

		code, err := newOrchestrator(eng, nil).Exec(ctx, st, args[0], args[1:], os.Stdout, os.Stderr)
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
	rootCmd.AddCommand(execCmd)
}
