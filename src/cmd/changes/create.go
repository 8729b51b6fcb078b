package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"changes-agent/src/tasks"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Request a build of a project",
	Long: `Records a queued build with one job and schedules create_job for it. A
running worker starts the remote build and syncs it from then on.

With --parent the new build retries an earlier one; its revision, patch
and label are reused unless given.

Example:
  changes create --project server --revision 4f1c2e9
  changes create --project server --parent 0b6c5d0e-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(appConfig.Broker.Brokers) == 0 {
			log.Warn("No brokers configured, the create_job task is only seen by this process")
		}
		a, err := newApp(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		slug, _ := cmd.Flags().GetString("project")
		project, err := a.project(ctx, slug)
		if err != nil {
			return err
		}

		req := tasks.BuildRequest{Project: project}
		req.Provider, _ = cmd.Flags().GetString("provider")
		req.RevisionSHA, _ = cmd.Flags().GetString("revision")
		req.PatchID, _ = cmd.Flags().GetString("patch")
		req.Label, _ = cmd.Flags().GetString("label")
		req.ParentID, _ = cmd.Flags().GetString("parent")

		build, job, err := a.handlers.RequestBuild(ctx, req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✅ Requested build %s\n", build.ID)
		fmt.Fprintf(out, "   Label: %s\n", build.Label)
		fmt.Fprintf(out, "   Job:   %s (%s)\n", job.ID, job.Provider)
		return nil
	},
}

func init() {
	createCmd.Flags().StringP("project", "p", "", "project slug")
	createCmd.Flags().String("provider", "", "provider to build on (defaults to the project's)")
	createCmd.Flags().StringP("revision", "r", "", "revision sha to build")
	createCmd.Flags().String("patch", "", "patch id to apply")
	createCmd.Flags().StringP("label", "l", "", "build label")
	createCmd.Flags().String("parent", "", "id of the build this one retries")
	_ = createCmd.MarkFlagRequired("project")
}
