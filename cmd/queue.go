package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JensMuenkel/scrapyd/internal/config"
	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/queue/sqlite"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect pending jobs in the durable queue",
	}
	cmd.AddCommand(newQueueListCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print pending jobs in dispatch order",
		Long: `Reads the sqlite queue files under paths.dbs_dir directly, so it
works while the daemon is stopped. Only the sqlite backend is supported.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.Queue.Backend != config.BackendSQLite {
				return fmt.Errorf("queue list supports the sqlite backend only (configured: %s)", rt.cfg.Queue.Backend)
			}
			store, err := sqlite.Open(rt.cfg.Paths.DBsDir, rt.logger)
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			projects := []string{project}
			if project == "" {
				if projects, err = store.Projects(ctx); err != nil {
					return fmt.Errorf("list projects: %w", err)
				}
			}

			var rows [][]string
			for _, p := range projects {
				pending, err := store.List(ctx, p)
				if err != nil {
					return fmt.Errorf("list %s: %w", p, err)
				}
				for i, d := range pending {
					rows = append(rows, []string{
						strconv.Itoa(i + 1), d.Project, d.Spider, d.JobID,
						strconv.FormatFloat(d.Priority, 'g', -1, 64), d.Version, formatArgs(d),
					})
				}
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "no pending jobs")
				return nil
			}
			fmt.Fprintln(out, renderTable(out,
				[]string{"#", "Project", "Spider", "Job", "Priority", "Version", "Args"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only list this project")
	return cmd
}

func formatArgs(d jobs.Descriptor) string {
	parts := make([]string, 0, len(d.Args))
	for _, k := range d.SortedArgKeys() {
		parts = append(parts, k+"="+d.Args[k])
	}
	return strings.Join(parts, ",")
}
