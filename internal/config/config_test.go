package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
  misfire_grace: 12h
  strict: true
  reconcile: "@every 30m"
executor:
  workers: 8
notifier:
  rate_per_sec: 2.5
  send_timeout: 15s
  email:
    enabled: true
    host: smtp.example.com
    port: 2525
    from: noreply@example.com
  log:
    enabled: true
storage:
  driver: file
  path: ./data/memorable
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Scheduler.Strict)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.Grace())
	assert.Equal(t, "@every 30m", cfg.Scheduler.ReconcileSpec())
	assert.Equal(t, DefaultStatus, cfg.Scheduler.StatusSpec())
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.InDelta(t, 2.5, cfg.Notifier.RatePerSec, 1e-9)
	assert.Equal(t, 2525, cfg.Notifier.Email.Port)
	assert.True(t, cfg.Notifier.Log.Enabled)
	assert.Equal(t, "file", cfg.Storage.Driver)

	loc, err := cfg.Scheduler.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestDecodeJSONStrict(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"scheduler":{"enabled":true,"bogus":1}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = Decode("config.json", []byte(`{"logging":{}} {"logging":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad grace":    `{"scheduler":{"misfire_grace":"soon"}}`,
		"neg timeout":  `{"notifier":{"send_timeout":"-1s"}}`,
		"bad timezone": `{"scheduler":{"timezone":"Mars/Olympus"}}`,
		"bad driver":   `{"storage":{"driver":"mongo"}}`,
		"neg rate":     `{"notifier":{"rate_per_sec":-1}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode("config.json", []byte(raw))
			assert.Error(t, err)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestGraceDefault(t *testing.T) {
	assert.Equal(t, DefaultMisfireGrace, SchedulerConfig{}.Grace())
	assert.Equal(t, DefaultMisfireGrace, SchedulerConfig{MisfireGrace: "0s"}.Grace())
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	sections, _ := SummarizeConfigChange(a, b)
	assert.Empty(t, sections)

	b.Scheduler.Strict = true
	b.Notifier.Telegram = TelegramConfig{Enabled: true, Token: "secret"}
	b.Storage.Path = "/elsewhere"
	sections, fields := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"scheduler", "notifier", "storage(restart required)"}, sections)
	assert.NotEmpty(t, fields)
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Same(t, cfg, m.Get())

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register before writing.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644)
		select {
		case got = <-updates:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "warn", got.Logging.Level)
	assert.Equal(t, "warn", m.Get().Logging.Level)

	cancel()
	<-done
}

func TestManagerRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(1)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":`), 0o644))
	m.reload(context.Background())
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	m.reload(context.Background())

	assert.Empty(t, updates)
	assert.Equal(t, "info", m.Get().Logging.Level)

	m.SetValidator(nil)
	m.reload(context.Background())
	assert.Equal(t, "debug", (<-updates).Logging.Level)
}
