// Package main provides the tfsbridge command line for CI engines that run
// lifecycle hooks as shell steps.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/tfsbridge/internal/cache"
	"github.com/kiranshivaraju/tfsbridge/internal/config"
	"github.com/kiranshivaraju/tfsbridge/internal/hooks"
)

func main() {
	if err := newRootCmd(deps{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// deps lets tests replace the remote and context backends.
type deps struct {
	clients hooks.ClientProvider
	store   cache.Cache
}

// app is the state shared by all subcommands once the root has set up.
type app struct {
	deps
	cfg    *config.Config
	plans  config.Plans
	logger *slog.Logger

	closers []func() error
}

func newRootCmd(d deps) *cobra.Command {
	a := &app{deps: d}

	root := &cobra.Command{
		Use:   "tfsbridge",
		Short: "Report CI chains and jobs as remote builds and timeline records",
		Long: `tfsbridge mirrors a CI engine's chain and job lifecycle onto a
Team Foundation Server or Visual Studio Online build.

Each hook command prints the id it produced on stdout so the calling
step can keep it and pass it back with --build-id or --task-id. When
REDIS_URL is set, ids are also kept there under the chain and job keys.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	root.AddCommand(
		newValidateCmd(a),
		newPreChainCmd(a),
		newPreBuildCmd(a),
		newPostBuildCmd(a),
		newPostChainCmd(a),
	)
	return root
}

func (a *app) setup(errOut io.Writer) error {
	cfg, err := config.LoadCLI()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	logger, closeLog := config.SetupLogger(errOut, cfg.Log.File, config.ParseLevel(cfg.Log.Level))
	a.logger = logger
	a.closers = append(a.closers, closeLog)

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	a.plans = plans

	if a.clients == nil {
		a.clients = hooks.ValidatedClients{Timeout: cfg.TFS.Timeout, Logger: logger}
	}
	if a.store == nil {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		a.store = store
	}
	return nil
}

// openStore uses redis when configured and a process-local cache otherwise.
func openStore(cfg *config.Config) (cache.Cache, error) {
	if cfg.Redis.URL == "" {
		return cache.NewMemoryCache(), nil
	}
	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(context.Background()); err != nil {
		rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rc, nil
}

func (a *app) close() error {
	if rc, ok := a.store.(*cache.RedisCache); ok {
		a.closers = append(a.closers, rc.Close)
	}
	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func (a *app) service() *hooks.Service {
	return hooks.NewService(a.plans, a.clients, a.store, hooks.Options{
		Logger:     a.logger,
		ContextTTL: a.cfg.TFS.ContextTTL,
		LockTTL:    a.cfg.TFS.LockTTL,
		LockWait:   a.cfg.TFS.LockWait,
	})
}
