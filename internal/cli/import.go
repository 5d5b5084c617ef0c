package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"memorable/internal/occasion"
)

func NewImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Store occasions from a YAML or JSON file",
		Long: `Validate and store occasions without starting the scheduler.

Records with an existing id are updated; all others get a new id. A running
daemon schedules them on its next reconcile pass.

Examples:
  memorable import -c config.yaml occasions.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := openOffline(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			loc, err := cfg.Scheduler.Location()
			if err != nil {
				return err
			}
			svc := occasion.New(store, store, nil, log)
			rep, err := importFile(cmd.Context(), svc, args[0], loc)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Format, rep,
				[]string{"CREATED", "UPDATED", "FAILED"},
				[][]string{{strconv.Itoa(rep.Created), strconv.Itoa(rep.Updated), strconv.Itoa(rep.Failed)}})
		},
	}
}
