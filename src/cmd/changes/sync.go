package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"changes-agent/src/model"
)

// pollParallelism bounds the projects polled at once.
const pollParallelism = 4

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Discover builds and revisions started outside of changes",
	Long: `Lists the recent builds of every project on each provider it is mapped
to and schedules syncing for the unfinished ones. When Phabricator is
configured its revisions and diffs are synced as well.

Example:
  changes poll
  changes poll --project server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		var projects []*model.Project
		if slug, _ := cmd.Flags().GetString("project"); slug != "" {
			p, err := a.project(ctx, slug)
			if err != nil {
				return err
			}
			projects = append(projects, p)
		} else if projects, err = a.store.ListProjects(ctx); err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(pollParallelism)
		for _, p := range projects {
			g.Go(func() error {
				_, err := a.handlers.PollProject(gctx, p)
				if err != nil {
					return fmt.Errorf("poll %s: %w", p.Slug, err)
				}
				return nil
			})
		}
		if a.poller != nil {
			g.Go(func() error {
				changes, err := a.poller.SyncRevisionList(gctx)
				if err != nil {
					return fmt.Errorf("sync revisions: %w", err)
				}
				a.log.Info("[Poll] synced %d revisions", len(changes))
				return nil
			})
		}
		return g.Wait()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one cleanup pass over stale builds",
	Long: `Re-schedules syncing for unfinished builds that have not changed for the
check interval and aborts the ones older than the expiry age. The worker
runs the same pass on its cron schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.handlers.CleanupBuilds(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d, expired %d\n", stats.Requeued, stats.Expired)
		return nil
	},
}

func init() {
	pollCmd.Flags().StringP("project", "p", "", "poll only this project slug")
}
