package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sarth-shah20/stasis/internal/discovery"
	"github.com/sarth-shah20/stasis/internal/orchestrator"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that connection strings resolve where they are used",
	Long: `Check every connection string in the services' environments against the
networks of the service that uses it, and every connection string in the
environment source against the host. A service name only resolves for
services sharing a network with it, never from the host.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, env, err := loadStack()
		if err != nil {
			return err
		}

		findings := orchestrator.Doctor(st, env)
		if len(findings) == 0 {
			fmt.Println(color.GreenString("✔"), "all connection strings resolve")
			return nil
		}

		for _, f := range findings {
			fmt.Printf("%s %s: %s=%s\n", color.RedString("✘"), f.Context, f.Key, f.Value)
			fmt.Printf("    %v\n", f.Err)
		}
		return fmt.Errorf("%w: %d connection string(s) will not resolve", discovery.ErrHostUnresolvable, len(findings))
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
