package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"changes-agent/src/mcp"
	"changes-agent/src/model"
	"changes-agent/src/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch builds and jobs update live",
	Long: `Shows the most recent builds and follows the build and job update
topics. Every watcher reads the full stream, so several can run beside
the workers.

Keys: j/k to move, Tab to cycle the result filter, / to search,
Enter to focus the jobs of a build, q to quit.

Example:
  changes watch --project server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		title := "changes"
		var projectID string
		if slug, _ := cmd.Flags().GetString("project"); slug != "" {
			p, err := a.project(ctx, slug)
			if err != nil {
				return err
			}
			title = fmt.Sprintf("changes · %s", p.Slug)
			projectID = p.ID
		}

		recent, _ := cmd.Flags().GetInt("recent")
		initial, err := tui.LoadRecent(ctx, a.store, projectID, recent)
		if err != nil {
			return err
		}

		// Brief pause to ensure any remaining log output completes before the TUI starts
		time.Sleep(100 * time.Millisecond)

		return tui.Start(ctx, a.broker, a.log, tui.Options{
			Title:     title,
			ProjectID: projectID,
			GroupID:   "changes-watch-" + model.NewID(),
			Initial:   initial,
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve build and failure tools over MCP on stdio",
	Long: `Runs a Model Context Protocol server on stdin/stdout with the tools
list_builds, get_build and failure_origins. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		return mcp.NewServer(a.store, appConfig.Sync.OriginHistory, a.log).Run()
	},
}

func init() {
	watchCmd.Flags().StringP("project", "p", "", "only show this project slug")
	watchCmd.Flags().Int("recent", 50, "number of recent builds to show at start")
}
