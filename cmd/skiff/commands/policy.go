package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skiff/pkg/config"
	"github.com/openfroyo/skiff/pkg/output"
)

func newPolicyCommand(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List admission policies",
		Long: `List the builtin policies and those loaded from policy_paths, with their
severity and whether they are enabled. Policies of severity error or
critical refuse a job on the targets they match; warnings are logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			c.PolicyWatch = false
			eng, err := newPolicyEngine(cmd.Context(), c)
			if err != nil {
				return err
			}

			data := make(map[string]any)
			for _, p := range eng.ListPolicies() {
				entry := map[string]any{
					"severity": string(p.Severity),
					"enabled":  p.Enabled,
					"builtin":  p.Builtin,
				}
				if p.Description != "" {
					entry["description"] = p.Description
				}
				data[p.Name] = entry
			}
			return output.NewRenderer(os.Stdout).Display(cmd.OutOrStdout(), data, c.Format())
		},
	}
	return cmd
}
