package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campuslib/library_service/internal/app/services/sweeps"
)

func newSweepCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a background sweep once and exit",
	}

	run := func(pick func(reaper *sweeps.Reaper, notifier *sweeps.Notifier) sweeps.Job) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := o.buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			core := a.Core()
			job := pick(core.Reaper, core.Notifier)
			n, err := core.Sweeps.RunOnce(ctx, job)
			if err != nil {
				o.out.Error("%s: %v", job.Name(), err)
				return fmt.Errorf("%s failed after %d item(s): %w", job.Name(), n, err)
			}
			o.out.Success("%s processed %d item(s)", job.Name(), n)
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Delete unverified accounts whose verification code expired",
		Args:  cobra.NoArgs,
		RunE: run(func(r *sweeps.Reaper, _ *sweeps.Notifier) sweeps.Job {
			return r
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "notify",
		Short: "Send due-soon and overdue reminders",
		Args:  cobra.NoArgs,
		RunE: run(func(_ *sweeps.Reaper, n *sweeps.Notifier) sweeps.Job {
			return n
		}),
	})
	return cmd
}
