package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarth-shah20/stasis/internal/stack"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List services and their containers",
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

		rows, err := newOrchestrator(eng, nil).Status(ctx, st)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tNAME\tIMAGE\tSTATUS\tPORTS")
		for _, r := range rows {
			state := r.State
			if r.Health != "" {
				state = fmt.Sprintf("%s (%s)", state, r.Health)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Service, r.Container, r.Image, state, formatPorts(r.Ports))
		}
		w.Flush()

		return nil
	},
}

func formatPorts(ports []stack.Port) string {
	var parts []string
	for _, p := range ports {
		if p.Host != 0 {
			parts = append(parts, fmt.Sprintf("%d->%d/%s", p.Host, p.Container, p.Protocol))
		}
	}
	return strings.Join(parts, ", ")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
