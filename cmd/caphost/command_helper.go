package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/reglet-dev/caphost/internal/infrastructure/config"
	"github.com/reglet-dev/caphost/internal/infrastructure/container"
	"github.com/reglet-dev/caphost/internal/infrastructure/sensitivedata"
	"github.com/reglet-dev/caphost/internal/infrastructure/system"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CommandContext provides common command dependencies.
type CommandContext struct {
	Container *container.Container
	Logger    *slog.Logger
	Context   context.Context
}

// CommandHandler is a function that executes with initialized dependencies.
type CommandHandler func(*CommandContext, *cobra.Command, []string) error

// withContainer loads the manifest named by the first argument, wires a
// container for it and closes the container once handler returns. Errors
// leaving the handler are scrubbed of resolved secrets.
func withContainer(handler CommandHandler) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := slog.Default()

		loader, err := config.NewManifestLoader()
		if err != nil {
			return err
		}
		manifest, err := loader.Load(args[0])
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		c, err := container.New(ctx, manifest, container.Options{
			SystemConfigPath: systemConfigPath(),
			Logger:           logger,
			Stdout:           cmd.OutOrStdout(),
			Stderr:           cmd.ErrOrStderr(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize host: %w", err)
		}
		defer func() {
			if closeErr := c.Close(context.WithoutCancel(ctx)); closeErr != nil {
				logger.Warn("failed to release host resources", "error", closeErr)
			}
		}()

		err = handler(&CommandContext{Container: c, Logger: logger, Context: ctx}, cmd, args)
		return sensitivedata.SafeError(err, c.SensitiveValues())
	}
}

func systemConfigPath() string {
	if path := viper.GetString("config"); path != "" {
		return path
	}
	if _, err := os.Stat(system.DefaultPath()); err == nil {
		return system.DefaultPath()
	}
	return ""
}
