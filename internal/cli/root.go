package cli

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the memorable command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "memorable",
		Short: "Deliver messages on the dates that matter",
		Long: `memorable stores occasions (birthdays, anniversaries, reminders) and
delivers their messages by email, SMS or Telegram when the date arrives.
Repeating occasions are re-armed every year.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return errors.Newf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewOccasionsCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	return cmd
}
