package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
)

// errValidation marks a run where at least one plan failed to connect.
var errValidation = errors.New("one or more plans failed validation")

func newValidateCmd(a *app) *cobra.Command {
	var planKeys []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that enabled plans can reach their build server and project",
		Long: `validate connects to the build server of every enabled plan, or of
the plans named with --plan, detects whether it is an on-premises or a
hosted server, and looks up the configured project.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := planKeys
			if len(keys) == 0 {
				for k, p := range a.plans {
					if p.Enabled {
						keys = append(keys, k)
					}
				}
				sort.Strings(keys)
			}

			out := cmd.OutOrStdout()
			failed := false
			for _, key := range keys {
				plan, ok := a.plans[key]
				if !ok || !plan.Enabled {
					fmt.Fprintf(out, "%s\tskipped\tplan not enabled\n", key)
					continue
				}

				client, err := a.clients.Client(cmd.Context(), plan)
				if err != nil {
					failed = true
					fmt.Fprintf(out, "%s\tfailed\t%v\n", key, err)
					continue
				}
				project, err := client.GetProject(cmd.Context(), plan.Project)
				if err != nil {
					failed = true
					fmt.Fprintf(out, "%s\tfailed\tproject %q: %v\n", key, plan.Project, err)
					continue
				}

				flavor := "-"
				if hc, ok := client.(*tfs.HTTPClient); ok {
					flavor = string(hc.Flavor())
				}
				fmt.Fprintf(out, "%s\tok\t%s\tproject=%s\n", key, flavor, project.ID)
			}

			if failed {
				return errValidation
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&planKeys, "plan", nil, "plan key to validate, repeatable (default all enabled plans)")
	return cmd
}
