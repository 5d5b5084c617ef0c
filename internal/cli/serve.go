package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memorable/internal/app"
	"memorable/internal/occasion"
)

type ServeOptions struct {
	*RootOptions
	ImportPath string
	StopGrace  time.Duration
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery scheduler",
		Long: `Run the delivery daemon until SIGINT or SIGTERM.

On start every stored occasion is reconciled into a pending job; overdue
deliveries within the misfire grace window are sent at once, older ones are
recorded as missed. The config file is watched and re-applied on change.

Examples:
  memorable serve -c config.yaml
  memorable serve -c config.yaml --import occasions.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ImportPath, "import", "", "import occasions from this file after start")
	cmd.Flags().DurationVar(&opts.StopGrace, "stop-grace", 20*time.Second, "upper bound for a graceful shutdown")
	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	if opts.ImportPath != "" {
		loc, _ := a.Config().Scheduler.Location()
		if _, err := importFile(ctx, a.Occasions(), opts.ImportPath, loc); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.StopGrace)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

func importFile(ctx context.Context, svc *occasion.Service, path string, loc *time.Location) (occasion.ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return occasion.ImportReport{}, err
	}
	defer f.Close()
	list, err := occasion.ParseImport(f, loc)
	if err != nil {
		return occasion.ImportReport{}, err
	}
	return svc.Import(ctx, list)
}
