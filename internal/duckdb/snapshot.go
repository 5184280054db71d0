package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
)

const snapshotAlias = "procscope_snapshot"

// Snapshot attaches a fresh database file and copies every table of the
// open database into it with COPY FROM DATABASE, so the copy never reads
// the live file behind the engine's back. The file appears at dstPath only
// once the copy is complete.
func (Dialect) Snapshot(ctx context.Context, db *sql.DB, _, dstPath string) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var current string
	if err := conn.QueryRowContext(ctx, "SELECT current_database()").Scan(&current); err != nil {
		return fmt.Errorf("current database: %w", err)
	}

	tmp := dstPath + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	attach := fmt.Sprintf("ATTACH '%s' AS %s", strings.ReplaceAll(tmp, "'", "''"), snapshotAlias)
	if _, err := conn.ExecContext(ctx, attach); err != nil {
		return fmt.Errorf("attach snapshot: %w", err)
	}
	_, copyErr := conn.ExecContext(ctx, fmt.Sprintf("COPY FROM DATABASE %s TO %s", quoteIdent(current), snapshotAlias))
	if _, err := conn.ExecContext(ctx, "DETACH "+snapshotAlias); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("detach snapshot: %w", err)
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		_ = os.Remove(tmp + ".wal")
		return fmt.Errorf("copy database: %w", copyErr)
	}
	return os.Rename(tmp, dstPath)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
