package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deploystore/internal/pipeline"
	"github.com/agentworkforce/deploystore/internal/remotestore"
)

func newProjectsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Inspect and manage projects on the platform",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the team's projects",
			Args:  cobra.NoArgs,
			RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
				projects, err := a.client.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSONOut(cmd.OutOrStdout(), projects)
			}),
		},
		newProjectsDeleteCmd(opts),
		newProjectsMirrorCmd(opts),
	)
	return cmd
}

func newProjectsDeleteCmd(opts *rootOptions) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "delete <name>...",
		Short: "Delete projects, reporting each result",
		Args:  cobra.MinimumNArgs(1),
		RunE: opts.runWithApp(func(cmd *cobra.Command, args []string, a *app) error {
			if !confirmed {
				return errors.New("refusing to delete without --yes")
			}
			result, err := a.client.DeleteProjects(cmd.Context(), args, progressLogger(a, "deleted"))
			if err != nil {
				return err
			}
			return batchOutcome(cmd, result)
		}),
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the deletion")
	return cmd
}

func newProjectsMirrorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <name>...",
		Short: "Publish the current document to additional projects",
		Args:  cobra.MinimumNArgs(1),
		RunE: opts.runWithApp(func(cmd *cobra.Command, args []string, a *app) error {
			result := a.coordinator.LoadAll(cmd.Context())
			reportLoad(a, result)
			data, err := json.MarshalIndent(result.Document, "", "  ")
			if err != nil {
				return err
			}
			fileName := a.cfg.FileName
			if fileName == "" {
				fileName = remotestore.DefaultFileName
			}
			template := pipeline.DeploymentRequest{
				Files:  []pipeline.DeploymentFile{{File: fileName, Data: string(data)}},
				Target: "production",
				Public: true,
			}
			batch, err := a.client.DeployToProjects(cmd.Context(), args, template, progressLogger(a, "published to"))
			if err != nil {
				return err
			}
			return batchOutcome(cmd, batch)
		}),
	}
}

func newDomainsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domains",
		Short: "Manage custom domains serving the document",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the team's domains",
			Args:  cobra.NoArgs,
			RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
				domains, err := a.client.ListDomains(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSONOut(cmd.OutOrStdout(), domains)
			}),
		},
		&cobra.Command{
			Use:   "add <domain>",
			Short: "Attach a domain to the publish target",
			Args:  cobra.ExactArgs(1),
			RunE: opts.runWithApp(func(cmd *cobra.Command, args []string, a *app) error {
				domain, err := a.client.AddProjectDomain(cmd.Context(), a.store.Target().Name, args[0])
				if err != nil {
					return err
				}
				return writeJSONOut(cmd.OutOrStdout(), domain)
			}),
		},
		&cobra.Command{
			Use:   "remove <domain>",
			Short: "Detach a domain from the publish target",
			Args:  cobra.ExactArgs(1),
			RunE: opts.runWithApp(func(cmd *cobra.Command, args []string, a *app) error {
				if err := a.client.RemoveProjectDomain(cmd.Context(), a.store.Target().Name, args[0]); err != nil {
					return err
				}
				a.logger.Printf("removed %s from %s", args[0], a.store.Target().Name)
				return nil
			}),
		},
	)
	return cmd
}

func progressLogger(a *app, verb string) pipeline.ProgressFunc {
	return func(done, total int, name string) {
		a.logger.Printf("%s %s (%d/%d)", verb, name, done, total)
	}
}

// batchOutcome prints the result and fails when any item failed.
func batchOutcome(cmd *cobra.Command, result pipeline.BatchResult) error {
	if err := writeJSONOut(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if n := len(result.Failed); n > 0 {
		return fmt.Errorf("%d of %d failed", n, n+len(result.Succeeded))
	}
	return nil
}
