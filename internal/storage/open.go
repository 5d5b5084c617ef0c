package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	logx "memorable/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.Component("storage")

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
