package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deploystore/internal/docsync"
	"github.com/agentworkforce/deploystore/internal/document"
	"github.com/agentworkforce/deploystore/internal/persist"
	"github.com/agentworkforce/deploystore/internal/remotestore"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var teamName string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify the API token and remember it in the persistent cache",
		RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
			if a.session.Token() == "" {
				return errors.New("token is required (--token or DEPLOYSTORE_TOKEN)")
			}
			user, err := a.client.GetUser(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			ctx := cmd.Context()
			if err := a.persistent.Set(ctx, persist.KeyToken, a.session.Token()); err != nil {
				return err
			}
			if teamID := a.session.TeamID(); teamID != "" {
				if err := a.persistent.Set(ctx, persist.KeyTeamID, teamID); err != nil {
					return err
				}
			}
			if teamName = strings.TrimSpace(teamName); teamName == "" {
				teamName = a.cfg.TeamName
			}
			if teamName != "" {
				if err := a.persistent.Set(ctx, persist.KeyTeamName, teamName); err != nil {
					return err
				}
			}
			return writeJSONOut(cmd.OutOrStdout(), user)
		}),
	}
	cmd.Flags().StringVar(&teamName, "team-name", "", "display name of the team (DEPLOYSTORE_TEAM_NAME)")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the remembered credentials",
		RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
			for _, key := range persist.DefaultEssentialKeys {
				if err := a.persistent.Remove(cmd.Context(), key); err != nil {
					return err
				}
			}
			a.logger.Printf("credentials removed")
			return nil
		}),
	}
}

func newEnsureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create the publish target and an empty document if missing",
		RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
			target, err := a.coordinator.EnsureStore(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSONOut(cmd.OutOrStdout(), target)
		}),
	}
}

func newLoadCmd(opts *rootOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Print the current document",
		RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
			var result docsync.LoadResult
			if refresh {
				result = a.coordinator.Refresh(cmd.Context())
			} else {
				result = a.coordinator.LoadAll(cmd.Context())
			}
			reportLoad(a, result)
			return writeJSONOut(cmd.OutOrStdout(), result.Document)
		}),
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "skip the in-memory cache")
	return cmd
}

func newSaveCmd(opts *rootOptions) *cobra.Command {
	var (
		expectVersion string
		wait          bool
		maxWait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "save <file|->",
		Short: "Publish a document",
		Args:  cobra.ExactArgs(1),
		RunE: opts.runWithApp(func(cmd *cobra.Command, args []string, a *app) error {
			doc, err := readDocument(cmd, args[0])
			if err != nil {
				return err
			}
			receipt, err := a.coordinator.SaveAll(cmd.Context(), doc, remotestore.WriteOptions{ExpectVersion: expectVersion})
			if err != nil {
				var saveErr *docsync.SaveError
				if errors.As(err, &saveErr) && saveErr.LocalDurable {
					a.logger.Printf("document kept in persistent cache; publish again later")
				}
				return err
			}
			if wait {
				if _, err := a.store.WaitForDeployment(cmd.Context(), receipt.DeploymentID, maxWait); err != nil {
					return err
				}
				if _, err := a.store.WaitUntilVisible(cmd.Context(), receipt.Version, maxWait); err != nil {
					return err
				}
			}
			return writeJSONOut(cmd.OutOrStdout(), receipt)
		}),
	}
	cmd.Flags().StringVar(&expectVersion, "expect-version", "", "fail if the published version differs")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the new version is readable")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 30*time.Second, "upper bound for --wait")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a timestamped backup of the current document",
		RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
			result := a.coordinator.LoadAll(cmd.Context())
			reportLoad(a, result)
			if output == "" || output == "-" {
				return document.Export(cmd.OutOrStdout(), result.Document, time.Now())
			}
			return exportToFile(output, result.Document, time.Now())
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "backup file (default stdout)")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Restore a backup as the offline fallback, or publish it with --publish",
		Long: `Restore a backup into the persistent cache without publishing it.

The restored copy is only served while the platform is unreachable. The next
successful remote read or save replaces it, including the one made by the next
deploystore invocation. Use --publish to push the backup to the platform.`,
		Args:  cobra.ExactArgs(1),
		RunE: opts.runWithApp(func(cmd *cobra.Command, args []string, a *app) error {
			doc, err := readDocument(cmd, args[0])
			if err != nil {
				return err
			}
			if !publish {
				if err := a.coordinator.Restore(cmd.Context(), doc); err != nil {
					return err
				}
				a.logger.Printf("backup restored as offline fallback; it is superseded by the next successful remote read, run with --publish to push it")
				return nil
			}
			receipt, err := a.coordinator.SaveAll(cmd.Context(), doc, remotestore.WriteOptions{})
			if err != nil {
				return err
			}
			return writeJSONOut(cmd.OutOrStdout(), receipt)
		}),
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish the restored document")
	return cmd
}

func exportToFile(path string, doc document.Document, now time.Time) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return document.Export(f, doc, now)
}

func readDocument(cmd *cobra.Command, path string) (document.Document, error) {
	in, err := openInput(cmd, path)
	if err != nil {
		return document.Document{}, err
	}
	defer in.Close()
	return document.Import(in)
}

func reportLoad(a *app, result docsync.LoadResult) {
	if !result.Stale {
		a.logger.Printf("loaded document from %s", result.Source)
		return
	}
	a.logger.Printf("using %s data; remote unavailable: %v", result.Source, result.Err)
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
