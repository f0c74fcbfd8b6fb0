package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skiff/pkg/config"
	"github.com/openfroyo/skiff/pkg/output"
	"github.com/openfroyo/skiff/pkg/stores"
)

func newJobsCommand(cfg func() *config.Config) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "jobs [jid]",
		Short: "List cached jobs or show the returns of one",
		Long: `Read the job cache configured by job_cache.

Without a jid, list recent jobs newest first with their return counts.
With a jid, print the stored return of every target the way the run
printed them.`,
		Example: `  # List the last 20 jobs
  skiff jobs

  # Show the returns of a job as JSON
  skiff jobs 6f1c2d3e-... --out json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.JobCache == "" {
				return fmt.Errorf("the job cache is disabled, set job_cache in the config")
			}
			store, err := stores.Open(cmd.Context(), c.JobCache)
			if err != nil {
				return err
			}
			defer store.Close()

			renderer := output.NewRenderer(os.Stdout)
			if len(args) == 1 {
				data, err := jobReturns(cmd, store, args[0])
				if err != nil {
					return err
				}
				return renderer.Display(cmd.OutOrStdout(), data, c.Format())
			}

			jobs, err := store.ListJobs(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			data := make(map[string]any, len(jobs))
			for _, j := range jobs {
				data[j.JID] = map[string]any{
					"Function":    j.Fun,
					"Arguments":   j.Arg,
					"Target":      j.Target,
					"Target-type": j.TargetType,
					"User":        j.User,
					"StartTime":   j.StartTime.Format("2006, Jan 02 15:04:05.000"),
					"Returned":    fmt.Sprintf("%d/%d", j.Returned, len(j.Minions)),
					"Failed":      j.Failed,
				}
			}
			return renderer.Display(cmd.OutOrStdout(), data, c.Format())
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of jobs to skip")

	return cmd
}

// jobReturns returns the stored return of every target of jid. Targets that never
// returned are reported as such.
func jobReturns(cmd *cobra.Command, store *stores.SQLiteStore, jid string) (map[string]any, error) {
	job, err := store.GetJob(cmd.Context(), jid)
	if err != nil {
		return nil, err
	}
	returns, err := store.GetReturns(cmd.Context(), jid)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(job.Minions))
	for _, id := range job.Minions {
		data[id] = "Minion did not return. [No response]"
	}
	for id, ret := range returns {
		data[id] = ret.Return
	}
	return data, nil
}
