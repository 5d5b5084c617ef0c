package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"memorable/internal/app"
	"memorable/internal/config"
	"memorable/internal/storage"
	logx "memorable/pkg/logx"
)

// render writes rows as aligned text or, in json mode, v as indented JSON.
func render(w io.Writer, format string, v any, header []string, rows [][]string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04 MST")
}

// openOffline loads the config and opens storage without starting the
// scheduler. Logs go to stderr so stdout stays parseable.
func openOffline(cmd *cobra.Command, opts *RootOptions) (*config.Config, storage.Store, logx.Logger, error) {
	cfg, err := config.NewConfigManager(opts.ConfigPath).Load()
	if err != nil {
		return nil, nil, logx.Logger{}, err
	}
	log := logx.NewWriter(cmd.ErrOrStderr(), "warn")
	store, err := app.OpenStore(cfg, log)
	if err != nil {
		return nil, nil, logx.Logger{}, err
	}
	return cfg, store, log, nil
}
