package cli

import (
	"github.com/spf13/cobra"

	"memorable/internal/model"
)

type HistoryOptions struct {
	*RootOptions
	Limit  int
	Status string
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [OCCASION-ID]",
		Short: "Show delivery history",
		Long: `Show delivery outcomes (DELIVERED, FAILED, MISSED), oldest first.

Without an id the newest --limit entries across all occasions are shown.
--status keeps only entries with that outcome.

Examples:
  memorable history -c config.yaml
  memorable history -c config.yaml 42 --format json
  memorable history -c config.yaml --status missed`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var want model.DeliveryStatus
			if opts.Status != "" {
				s, err := model.ParseDeliveryStatus(opts.Status)
				if err != nil {
					return err
				}
				want = s
			}

			_, store, _, err := openOffline(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer store.Close()

			var entries []model.HistoryEntry
			if len(args) == 1 {
				id, err := model.ParseOccasionID(args[0])
				if err != nil {
					return err
				}
				entries, err = store.ListHistory(cmd.Context(), id)
				if err != nil {
					return err
				}
			} else {
				entries, err = store.ListAllHistory(cmd.Context(), opts.Limit)
				if err != nil {
					return err
				}
			}
			entries = filterStatus(entries, want)
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.OccasionID.String(),
					string(e.Status),
					formatTime(e.Timestamp),
					e.ExecutionID,
					e.Error,
				})
			}
			return render(cmd.OutOrStdout(), opts.Format, entries,
				[]string{"OCCASION", "STATUS", "AT", "EXECUTION", "ERROR"}, rows)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "only show DELIVERED, FAILED or MISSED entries")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "entries to show when no id is given (0 = all)")
	return cmd
}

// filterStatus keeps entries with status want; an empty want keeps all.
func filterStatus(entries []model.HistoryEntry, want model.DeliveryStatus) []model.HistoryEntry {
	out := make([]model.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if want == "" || e.Status == want {
			out = append(out, e)
		}
	}
	return out
}
