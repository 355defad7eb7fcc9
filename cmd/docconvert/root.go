package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docconvert/internal/config"
	"github.com/JakeFAU/docconvert/internal/converter"
	"github.com/JakeFAU/docconvert/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App holds the services every subcommand shares.
type App struct {
	Config config.Config
	Logger *zap.Logger
}

// Close flushes buffered log entries.
func (a *App) Close() {
	// Sync on a terminal stderr returns EINVAL; nothing useful to report.
	_ = a.Logger.Sync()
}

// backend is a converter that can also report on its binary.
type backend interface {
	converter.Converter
	Available() error
	Version(ctx context.Context) (string, error)
}

// newApp is the application factory. Tests replace it.
var newApp = func(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &App{Config: cfg, Logger: logger}, nil
}

// newConverter builds the converter used by serve, convert and version.
var newConverter = func(cfg config.Config, logger *zap.Logger) backend {
	return converter.NewCLI(
		converter.WithBinary(cfg.Converter.Binary),
		converter.WithTimeout(cfg.ConverterTimeout()),
		converter.WithLogger(logger.Named("converter")),
	)
}

func newRootCommand() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:   "docconvert",
		Short: "HTTP gateway over the pandoc document converter",
		Long: `docconvert accepts a document as text together with a source and target
format, runs pandoc on it and returns the converted text. It can run as an
HTTP service or convert a single document from the command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before the subcommand's RunE; builds the shared services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(configFlag)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*App); ok && appInstance != nil {
				appInstance.Close()
			}
		},

		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newFormatsCommand())
	cmd.AddCommand(newConvertCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func resolveApp(ctx context.Context) (*App, error) {
	appInstance, ok := ctx.Value(appKey).(*App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
