package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/config"
	"memorable/internal/delivery"
	"memorable/internal/notifier"
	"memorable/internal/observability/debug"
	"memorable/internal/storage"
	"memorable/internal/task/engine"
	"memorable/internal/task/scheduler"
	logx "memorable/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && driver != "memory" {
		return storage.Config{}, errors.Newf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("executor.task_timeout", cfg.Executor.TaskTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Executor.Workers,
		QueueSize:      cfg.Executor.QueueSize,
		HistorySize:    cfg.Executor.HistorySize,
		DefaultTimeout: timeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	timeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, config.DefaultSendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:  n.RatePerSec,
		Burst:       n.Burst,
		SendTimeout: timeout,
		HistorySize: n.HistorySize,
		Email: notifier.EmailConfig{
			Enabled:    n.Email.Enabled,
			Host:       n.Email.Host,
			Port:       n.Email.Port,
			Username:   n.Email.Username,
			Password:   n.Email.Password,
			From:       n.Email.From,
			RequireTLS: n.Email.RequireTLS,
		},
		SMS: notifier.SMSConfig{
			Enabled:    n.SMS.Enabled,
			AccountSID: n.SMS.AccountSID,
			AuthToken:  n.SMS.AuthToken,
			From:       n.SMS.From,
			BaseURL:    n.SMS.BaseURL,
		},
		Telegram: notifier.TelegramConfig{
			Enabled: n.Telegram.Enabled,
			Token:   n.Telegram.Token,
			APIURL:  n.Telegram.APIURL,
		},
		Log: notifier.LogConfig{Enabled: n.Log.Enabled},
	}, nil
}

func mapLifecycleConfig(cfg *config.Config) (delivery.LifecycleConfig, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return delivery.LifecycleConfig{}, err
	}
	return delivery.LifecycleConfig{
		MisfireGrace: cfg.Scheduler.Grace(),
		Location:     loc,
		Strict:       cfg.Scheduler.Strict,
	}, nil
}

func mapHousekeepingConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
}

// validateConfig rejects a reload that could not be applied live.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := scheduler.ValidateSchedule(cfg.Scheduler.ReconcileSpec()); err != nil {
		return errors.Wrap(err, "scheduler.reconcile")
	}
	if err := scheduler.ValidateSchedule(cfg.Scheduler.StatusSpec()); err != nil {
		return errors.Wrap(err, "scheduler.status")
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLifecycleConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}

// OpenStore opens the storage configured in cfg, for offline tools that
// do not run the scheduler.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}
