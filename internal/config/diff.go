package config

import (
	"strconv"

	logx "memorable/pkg/logx"
)

// SummarizeConfigChange lists which sections changed between two configs.
// Secrets are never included; only a "changed" marker is reported.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil || newCfg == nil {
		return []string{"initial"}, nil
	}
	var (
		sections []string
		fields   []logx.Field
	)
	add := func(section string, fs ...logx.Field) {
		sections = append(sections, section)
		fields = append(fields, fs...)
	}

	if oldCfg.Logging != newCfg.Logging {
		add("logging", logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		o, n := oldCfg.Scheduler, newCfg.Scheduler
		var fs []logx.Field
		if o.Enabled != n.Enabled {
			fs = append(fs, logx.Bool("scheduler.enabled", n.Enabled))
		}
		if o.Timezone != n.Timezone {
			fs = append(fs, logx.String("scheduler.timezone", n.Timezone))
		}
		if o.Grace() != n.Grace() {
			fs = append(fs, logx.Duration("scheduler.misfire_grace", n.Grace()))
		}
		if o.Strict != n.Strict {
			fs = append(fs, logx.Bool("scheduler.strict", n.Strict))
		}
		if o.ReconcileSpec() != n.ReconcileSpec() {
			fs = append(fs, logx.String("scheduler.reconcile", n.ReconcileSpec()))
		}
		if o.StatusSpec() != n.StatusSpec() {
			fs = append(fs, logx.String("scheduler.status", n.StatusSpec()))
		}
		add("scheduler", fs...)
	}
	if oldCfg.Executor != newCfg.Executor {
		add("executor",
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize))
	}
	if oldCfg.Notifier != newCfg.Notifier {
		n := newCfg.Notifier
		add("notifier",
			logx.String("notifier.channels", enabledChannels(n)),
			logx.String("notifier.rate_per_sec", strconv.FormatFloat(n.RatePerSec, 'g', -1, 64)))
	}
	if oldCfg.Debug != newCfg.Debug {
		add("debug",
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof))
	}
	if oldCfg.Storage != newCfg.Storage {
		// Storage is opened once at startup.
		add("storage(restart required)")
	}
	return sections, fields
}

func enabledChannels(n NotifierConfig) string {
	out := ""
	for _, c := range []struct {
		name string
		on   bool
	}{
		{"email", n.Email.Enabled},
		{"sms", n.SMS.Enabled},
		{"telegram", n.Telegram.Enabled},
		{"log", n.Log.Enabled},
	} {
		if !c.on {
			continue
		}
		if out != "" {
			out += ","
		}
		out += c.name
	}
	return out
}
