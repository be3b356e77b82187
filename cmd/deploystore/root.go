package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deploystore/internal/cache"
	"github.com/agentworkforce/deploystore/internal/config"
	"github.com/agentworkforce/deploystore/internal/docsync"
	"github.com/agentworkforce/deploystore/internal/persist"
	"github.com/agentworkforce/deploystore/internal/pipeline"
	"github.com/agentworkforce/deploystore/internal/remotestore"
	"github.com/agentworkforce/deploystore/internal/telemetry"
)

// rootOptions holds persistent flags. Non-empty values override the
// environment.
type rootOptions struct {
	token       string
	teamID      string
	projectName string
	baseURL     string
	apiBaseURL  string
	cacheDSN    string
	quiet       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "deploystore",
		Short: "Keep a shared JSON document on a deployment platform",
		Long: `deploystore publishes a single JSON document as a static deployment and
reads it back over plain HTTP. Reads fall back to a local cache when the
platform is unreachable, and saves are kept locally before publishing.

Settings come from DEPLOYSTORE_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.token, "token", "", "platform API token (DEPLOYSTORE_TOKEN)")
	flags.StringVar(&opts.teamID, "team-id", "", "platform team ID (DEPLOYSTORE_TEAM_ID)")
	flags.StringVar(&opts.projectName, "project", "", "publish target name (DEPLOYSTORE_PROJECT_NAME)")
	flags.StringVar(&opts.baseURL, "base-url", "", "public URL the document is served from (DEPLOYSTORE_BASE_URL)")
	flags.StringVar(&opts.apiBaseURL, "api-base-url", "", "platform API base URL (DEPLOYSTORE_API_BASE_URL)")
	flags.StringVar(&opts.cacheDSN, "cache-dsn", "", "persistent cache DSN (DEPLOYSTORE_CACHE_DSN)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress log output")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newEnsureCmd(opts),
		newLoadCmd(opts),
		newSaveCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newWatchCmd(opts),
		newSyncCmd(opts),
		newServeCmd(opts),
		newProjectsCmd(opts),
		newDomainsCmd(opts),
	)
	return root
}

func (o *rootOptions) config() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	override := func(dst *string, value string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
		}
	}
	override(&cfg.Token, o.token)
	override(&cfg.TeamID, o.teamID)
	override(&cfg.ProjectName, o.projectName)
	override(&cfg.BaseURL, o.baseURL)
	override(&cfg.APIBaseURL, o.apiBaseURL)
	override(&cfg.CacheDSN, o.cacheDSN)
	return cfg, nil
}

func (o *rootOptions) logger(cmd *cobra.Command) *log.Logger {
	if o.quiet {
		return log.New(io.Discard, "", 0)
	}
	return log.New(cmd.ErrOrStderr(), "deploystore: ", log.LstdFlags)
}

// runWithApp builds the application for one command invocation and tears it
// down afterwards.
func (o *rootOptions) runWithApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := o.config()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, o.logger(cmd))
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if closeErr := a.Close(ctx); closeErr != nil {
				a.logger.Printf("shutdown: %v", closeErr)
			}
		}()
		return fn(cmd, args, a)
	}
}

type app struct {
	cfg         config.Config
	logger      *log.Logger
	session     *pipeline.Session
	client      *pipeline.Client
	store       *remotestore.Store
	persistent  *persist.Cache
	coordinator *docsync.Coordinator
	shutdown    func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	shutdown, err := telemetry.Setup(ctx, "deploystore", cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	persistent, err := persist.Open(cfg.ResolvedCacheDSN(), persist.Options{Logger: logger})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open persistent cache: %w", err)
	}

	token, teamID := cfg.Token, cfg.TeamID
	if token == "" {
		if _, err := persistent.Get(ctx, persist.KeyToken, &token); err != nil {
			logger.Printf("read saved token: %v", err)
		}
	}
	if teamID == "" {
		if _, err := persistent.Get(ctx, persist.KeyTeamID, &teamID); err != nil {
			logger.Printf("read saved team: %v", err)
		}
	}

	var coordinator *docsync.Coordinator
	session := pipeline.NewSession(token, teamID, pipeline.WindowOptions{
		Budget:  cfg.CallsPerWindow,
		Window:  cfg.RateWindow,
		MaxWait: cfg.MaxQuotaWait,
		OnWait: func(wait time.Duration) {
			logger.Printf("api quota exhausted; waiting %s", wait.Round(time.Millisecond))
			if coordinator != nil {
				coordinator.RateLimited(wait)
			}
		},
	})
	client := pipeline.NewClient(session, pipeline.Options{
		BaseURL:     cfg.APIBaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Logger:      logger,
	})
	store := remotestore.New(client, remotestore.Config{
		ProjectName:      cfg.ProjectName,
		BaseURL:          cfg.BaseURL,
		FileName:         cfg.FileName,
		PropagationDelay: cfg.PropagationDelay,
		HTTPClient:       &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:           logger,
	})
	local := cache.New(cache.Options{TTL: cfg.CacheTTL, MaxBytes: cfg.CacheMaxBytes})
	coordinator = docsync.New(store, local, persistent, docsync.Options{Logger: logger})

	return &app{
		cfg:         cfg,
		logger:      logger,
		session:     session,
		client:      client,
		store:       store,
		persistent:  persistent,
		coordinator: coordinator,
		shutdown:    shutdown,
	}, nil
}

func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.persistent.Close(), a.shutdown(ctx))
}

// openInput reads from a named file, or stdin for "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}
