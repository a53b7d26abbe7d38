package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/campuslib/library_service/internal/app/runtime"
	"github.com/campuslib/library_service/internal/cli"
	"github.com/campuslib/library_service/internal/config"
	"github.com/campuslib/library_service/internal/logging"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// options carries the persistent flags and the state derived from them.
type options struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *logging.Logger
	out *cli.Printer
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "library",
		Short:         "University library service",
		Long:          "library serves the catalog, account and circulation API of the university library\nand runs its database migrations and background sweeps.",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			o.out = cli.NewPrinter(cmd.OutOrStdout())
			if cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			if o.logLevel != "" {
				cfg.Logging.Level = o.logLevel
			}
			o.cfg = cfg
			o.log = logging.New("library", cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file (defaults to $LIBRARY_CONFIG)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(o),
		newMigrateCmd(o),
		newSweepCmd(o),
		newAdminCmd(o),
		newCompletionCmd(root),
		newVersionCmd(),
	)
	root.SetErrPrefix("library:")
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// buildRuntime constructs the service from the loaded configuration without
// starting it.
func (o *options) buildRuntime(ctx context.Context) (*runtime.Application, error) {
	a, err := runtime.NewApplication(ctx, o.cfg, o.log)
	if err != nil {
		return nil, fmt.Errorf("initialise service: %w", err)
	}
	return a, nil
}

func newServeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := o.buildRuntime(ctx)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the library service",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "library %s\n", Version)
		},
	}
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	var install bool
	cmd := &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate or install the shell completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !install {
				return cli.WriteCompletion(root, args[0], cmd.OutOrStdout())
			}
			path, err := cli.InstallCompletion(root, args[0])
			if err != nil {
				return err
			}
			cli.NewPrinter(cmd.OutOrStdout()).Success("completion installed to %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&install, "install", false, "write the script into the shell's completion directory")
	return cmd
}
