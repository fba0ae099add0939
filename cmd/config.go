package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sarth-shah20/stasis/internal/stack"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved stack",
	Long: `Validate the descriptor, substitute the environment source and print the
result. The output parses back into the same stack.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := loadStack()
		if err != nil {
			return err
		}
		out, err := stack.Marshal(st)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
