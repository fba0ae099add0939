package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarth-shah20/stasis/internal/discovery"
	"github.com/sarth-shah20/stasis/internal/launcher"
	"github.com/sarth-shah20/stasis/internal/metrics"
	"github.com/sarth-shah20/stasis/internal/orchestrator"
)

var (
	upForeground bool
	upDryRun     bool
	upRecreate   bool
)

var upCmd = &cobra.Command{
	Use:   "up [service...]",
	Short: "Start the development environment",
	Long: `Provision networks and volumes, then start every service (or the named
services and their dependencies) in dependency order.

With --foreground the command stays attached: service output is streamed
with a "service | " prefix, restart policies are applied by stasis itself,
and an interrupt stops the stack in reverse order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, _, err := loadStack()
		if err != nil {
			return err
		}

		eng, err := newEngine(ctx, upDryRun)
		if err != nil {
			return err
		}
		defer eng.Close()

		recorder := metrics.NewRecorder()
		output := launcher.NewOutput(os.Stdout)
		orch := newOrchestrator(eng, func(cfg *orchestrator.Config) {
			cfg.Output = output
			cfg.Observer = recorder
			if upDryRun {
				cfg.Prober = discovery.ProberFunc(func(context.Context, discovery.Probe) error { return nil })
				ports := launcher.NewPortRegistry()
				ports.Probe = nil
				cfg.Ports = ports
			}
		})

		if upForeground && settings.Metrics.Addr != "" {
			go func() {
				if err := recorder.Serve(ctx, settings.Metrics.Addr, logger); err != nil {
					logger.Error("metrics endpoint failed", "addr", settings.Metrics.Addr, "error", err)
				}
			}()
		}

		res, upErr := orch.Up(ctx, st, orchestrator.UpOptions{
			Services:   args,
			Foreground: upForeground,
			Recreate:   upRecreate,
		})
		if res == nil {
			return upErr
		}
		printResult(res)

		if !upForeground {
			if ctx.Err() != nil {
				// interrupted mid-launch: leave nothing half up
				fmt.Println("Interrupted, stopping services...")
				return errors.Join(upErr, orch.Down(context.WithoutCancel(ctx), st, orchestrator.DownOptions{}))
			}
			return upErr
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			orch.Follow(ctx, res)
		}()
		superviseErr := orch.Supervise(ctx, res)

		// an interrupt lands here too; tear down with a fresh context
		fmt.Println("Stopping services...")
		downErr := orch.Down(context.WithoutCancel(ctx), st, orchestrator.DownOptions{})
		<-done
		return errors.Join(upErr, superviseErr, downErr)
	},
}

func printResult(res *orchestrator.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tDETAIL")
	for _, name := range res.Order {
		inst := res.Instances[name]
		detail := inst.Image()
		if err := inst.Err(); err != nil {
			detail = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, inst.State(), detail)
	}
	w.Flush()
}

func init() {
	upCmd.Flags().BoolVar(&upForeground, "foreground", false, "stay attached and supervise the services")
	upCmd.Flags().BoolVar(&upDryRun, "dry-run", false, "run against an in-memory engine")
	upCmd.Flags().BoolVar(&upRecreate, "recreate", false, "replace containers even when unchanged")
	upCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address in foreground mode")
	_ = vp.BindPFlag("metrics.addr", upCmd.Flags().Lookup("metrics-addr"))
	rootCmd.AddCommand(upCmd)
}
