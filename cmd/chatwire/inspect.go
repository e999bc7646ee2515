package main

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/chatwire/pkg/components"
	"github.com/go-go-golems/chatwire/pkg/transport"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newComponentsCommand() *cobra.Command {
	var workflow string
	cmd := &cobra.Command{
		Use:   "components",
		Short: "List the UI components a workflow declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflow == "" {
				return errors.New("--workflow is required")
			}
			resolver, _ := settings.Resolver()
			if err := resolver.SetActiveWorkflow(cmd.Context(), workflow); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			available := resolver.GetAvailableComponents()
			fmt.Fprintf(out, "workflow: %s\n", available.Workflow)
			for _, section := range []struct {
				title    string
				category components.Category
				names    []string
			}{
				{"artifacts", components.CategoryArtifact, available.Artifacts},
				{"inline", components.CategoryInline, available.Inline},
			} {
				fmt.Fprintf(out, "%s:\n", section.title)
				if len(section.names) == 0 {
					fmt.Fprintln(out, "  (none)")
				}
				for _, name := range section.names {
					d, _ := resolver.Describe(section.category, name)
					line := "  " + name
					if d.Agent != "" {
						line += " [" + d.Agent + "]"
					}
					if len(d.Actions) > 0 {
						line += " actions=" + strings.Join(d.Actions, ",")
					}
					if d.Description != "" {
						line += " - " + d.Description
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow whose manifest to load")
	return cmd
}

func newDiscoverCommand() *cobra.Command {
	var (
		workflow string
		refresh  bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Show the transport the backend recommends for a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflow == "" {
				return errors.New("--workflow is required")
			}
			opts, closer, err := settings.TransportOptions(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			manager := transport.NewManager(opts)
			if refresh {
				manager.RefreshTransport(cmd.Context(), workflow)
			}
			kind := manager.PreferredKind(cmd.Context(), workflow)
			chain := transport.FallbackChain(kind)
			names := make([]string, 0, len(chain))
			for _, k := range chain {
				names = append(names, k.String())
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workflow:  %s\n", workflow)
			fmt.Fprintf(out, "preferred: %s\n", kind)
			fmt.Fprintf(out, "fallback:  %s\n", strings.Join(names, " -> "))
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow to query")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore a cached answer")
	return cmd
}
