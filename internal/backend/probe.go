package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql" // database/sql driver registration
)

// Probe runs a one-shot "SELECT 1" against b using database/sql, as a
// sanity check. It is run only through ProbeAll at startup, not by Reload,
// and never gates anything: the dispatcher's own dedicated net.Conn
// connections (opened separately, see dial in conn.go) are what actually
// serve traffic.
func Probe(ctx context.Context, b Backend, username, password string, timeout time.Duration) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?timeout=%s", username, password, b.Addr(), timeout)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("backend: opening probe handle for %s: %w", b, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("backend: probing %s: %w", b, err)
	}
	return nil
}

// ProbeAll probes every backend in list and logs (but does not return) each
// failure, for use as a startup diagnostic before LoadInitial.
func ProbeAll(ctx context.Context, list []Backend, username, password string, timeout time.Duration, log *slog.Logger) {
	for _, b := range list {
		if err := Probe(ctx, b, username, password, timeout); err != nil {
			log.Warn("backend probe failed", "backend", b.String(), "error", err)
		}
	}
}
