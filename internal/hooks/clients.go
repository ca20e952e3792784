package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tfsbridge/internal/config"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
)

// ClientProvider returns a remote client for a plan's connection settings.
type ClientProvider interface {
	Client(ctx context.Context, plan config.Plan) (tfs.Client, error)
}

// ClientProviderFunc adapts a function to ClientProvider.
type ClientProviderFunc func(ctx context.Context, plan config.Plan) (tfs.Client, error)

func (f ClientProviderFunc) Client(ctx context.Context, plan config.Plan) (tfs.Client, error) {
	return f(ctx, plan)
}

// ValidatedClients connects with flavor detection on every call.
type ValidatedClients struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func (v ValidatedClients) Client(ctx context.Context, plan config.Plan) (tfs.Client, error) {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c, err := tfs.NewValidatedClient(ctx, tfs.ClientConfig{
		BaseURL:  plan.ServerURL,
		Username: plan.Username,
		Password: plan.Password(),
		Timeout:  v.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}
