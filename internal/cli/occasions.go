package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"memorable/internal/model"
)

func NewOccasionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "occasions",
		Short: "List stored occasions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, _, err := openOffline(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListOccasions(cmd.Context())
			if err != nil {
				return err
			}
			if list == nil {
				list = []model.Occasion{}
			}
			rows := make([][]string, 0, len(list))
			for _, o := range list {
				rows = append(rows, []string{
					o.ID.String(),
					string(o.DeliveryMethod),
					o.Recipient(),
					o.OccasionType,
					formatTime(o.DateTime),
					strconv.FormatBool(o.IsRepeated),
				})
			}
			return render(cmd.OutOrStdout(), opts.Format, list,
				[]string{"ID", "METHOD", "RECIPIENT", "TYPE", "DATE", "REPEAT"}, rows)
		},
	}
}
