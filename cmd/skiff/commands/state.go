package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/skiff/pkg/config"
	"github.com/openfroyo/skiff/pkg/engine"
)

func newStateCommand(opts *globalOptions, version string, cfg func() *config.Config) *cobra.Command {
	var (
		saltenv string
		test    bool
		exclude []string
		pillar  string
	)

	cmd := &cobra.Command{
		Use:   "state <pattern> <mods>",
		Short: "Apply state to targets",
		Long: `Compile the named state modules locally and apply them on every target.

Modules are comma separated names resolved against the file roots of the
selected environment. The compiled low chunks and every skiff:// file they
reference are shipped to each target in one package; the runtime bundle is
deployed first when the target does not have it.`,
		Example: `  # Apply two modules
  skiff state 'web*' nginx,common

  # Dry run against the dev environment
  skiff state 'web*' nginx --saltenv dev --test

  # Pass pillar data
  skiff state db1 postgres --pillar '{"pg_version": 16}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &engine.StateRequest{
				Mods:    splitComma(args[1]),
				Env:     saltenv,
				Test:    test,
				Exclude: exclude,
			}
			if len(req.Mods) == 0 {
				return fmt.Errorf("no state modules given")
			}
			if pillar != "" {
				if err := yaml.Unmarshal([]byte(pillar), &req.Pillar); err != nil {
					return fmt.Errorf("pillar must be a mapping: %w", err)
				}
			}

			job := &engine.JobDescriptor{
				JID:     opts.jid,
				Kind:    engine.JobState,
				State:   req,
				Timeout: opts.jobTimeout,
			}
			return runJob(cmd.Context(), cfg(), version, args[0], opts.matchType(), job)
		},
	}

	cmd.Flags().StringVar(&saltenv, "saltenv", "", "state environment (default base)")
	cmd.Flags().BoolVar(&test, "test", false, "report what would change without changing it")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "state ids or sls names to exclude")
	cmd.Flags().StringVar(&pillar, "pillar", "", "pillar data as a JSON or YAML mapping")

	return cmd
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
