package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/mirror/pkg/types"
)

// DSN returns the connection string for cfg. Both drivers accept the
// file: URI form with _pragma parameters, applied on every new connection.
func DSN(cfg types.Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = types.DefaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	return "file:" + cfg.Path + "?" + q.Encode()
}

// DriverOpener returns an Opener for the driver named in cfg.
func DriverOpener(cfg types.Config) Opener {
	dsn := DSN(cfg)
	return func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open(cfg.Driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect %s: %w", cfg.Path, err)
		}
		return db, nil
	}
}
