package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarth-shah20/stasis/internal/launcher"
	"github.com/sarth-shah20/stasis/internal/orchestrator"
)

var buildCmd = &cobra.Command{
	Use:     "build <service>",
	Aliases: []string{"rebuild"},
	Short:   "Rebuild a service's image and replace its container",
	Long: `Build the service's image again (or pull it again for image services) and
recreate its container. Named volumes are kept.`,
	Args: cobra.ExactArgs(1),
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

		orch := newOrchestrator(eng, func(cfg *orchestrator.Config) {
			cfg.Output = launcher.NewOutput(os.Stdout)
		})
		inst, err := orch.Rebuild(ctx, st, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s rebuilt from %s (container %.12s)\n", args[0], inst.Image(), inst.ContainerID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
