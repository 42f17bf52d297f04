package cli

import (
	"context"

	"github.com/flatmapit/dicomrelay/internal/config"
)

type ctxKey string

// configKey stores the loaded configuration in the CLI context.
const configKey ctxKey = "config"

// WithConfig attaches the loaded configuration to the context.
func WithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}
