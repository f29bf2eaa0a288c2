package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fhirfactory/hestia-audit-relay/pkg/config"
	"github.com/fhirfactory/hestia-audit-relay/pkg/system"
	"github.com/fhirfactory/hestia-audit-relay/pkg/version"
)

type Options struct {
	ConfigPath   string
	OutputWriter io.Writer
	// NewLogger builds the process logger. Default: system.NewLogger
	NewLogger func(debug bool) (*zap.Logger, error)
}

func DefaultOptions() Options {
	return Options{
		ConfigPath:   os.Getenv(config.EnvConfigPath),
		OutputWriter: os.Stdout,
		NewLogger:    system.NewLogger,
	}
}

func NewRootCommand(opts Options) *cobra.Command {
	if opts.OutputWriter == nil {
		opts.OutputWriter = os.Stdout
	}
	if opts.NewLogger == nil {
		opts.NewLogger = system.NewLogger
	}

	root := &cobra.Command{
		Use:           "audit-relay",
		Short:         "Relay FHIR AuditEvents to the persistence service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.OutputWriter)

	root.AddCommand(NewServeCommand(opts))
	root.AddCommand(NewVersionCommand())
	return root
}

func NewServeCommand(opts Options) *cobra.Command {
	var debug bool
	configPath := opts.ConfigPath

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: ingress API, delivery daemon and capability server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading relay config: %w", err)
			}

			log, err := opts.NewLogger(debug)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			log.Info("Starting audit relay",
				zap.String("version", version.GetBuildInfo().String()),
				zap.String("listen_address", cfg.Server.ListenAddress),
				zap.String("technology", cfg.Persistence.Technology),
				zap.String("fabric", cfg.Cluster.Fabric))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := Build(ctx, cfg, log, debug)
			if err != nil {
				return err
			}
			runErr := app.Run(ctx)
			if err := app.Close(); err != nil {
				log.Warn("Relay shutdown incomplete", zap.Error(err))
			}
			if runErr != nil {
				return fmt.Errorf("serving ingress: %w", runErr)
			}
			log.Info("Audit relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", configPath, "Path to the relay configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug level logging")
	return cmd
}

func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show audit-relay version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()
			writer := cmd.OutOrStdout()

			switch outputFormat {
			case "json":
				encoder := json.NewEncoder(writer)
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			case "yaml":
				data, err := yaml.Marshal(info)
				if err != nil {
					return fmt.Errorf("failed to marshal to YAML: %w", err)
				}
				_, _ = fmt.Fprint(writer, string(data))
				return nil
			case "":
				_, _ = fmt.Fprintln(writer, info.String())
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (json, yaml)", outputFormat)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: json, yaml")
	return cmd
}

// Execute runs the command tree with the process context.
func Execute(ctx context.Context, opts Options) error {
	return NewRootCommand(opts).ExecuteContext(ctx)
}
