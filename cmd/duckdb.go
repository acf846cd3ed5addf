package cmd

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/airframesio/snapshot-pipeline/cmd/engine"
)

// engineSettings returns the statements run on every new engine connection
func engineSettings(cfg EngineConfig) []string {
	var stmts []string
	if cfg.MemoryLimit != "" {
		stmts = append(stmts, fmt.Sprintf("SET memory_limit = '%s'", cfg.MemoryLimit))
	}
	if cfg.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads = %d", cfg.Threads))
	}
	if cfg.TempDir != "" {
		stmts = append(stmts, fmt.Sprintf("SET temp_directory = '%s'", strings.ReplaceAll(cfg.TempDir, "'", "''")))
	}
	return stmts
}

// newDuckDBOpener opens one embedded DuckDB database per conversion run.
// An empty path keeps the database in memory.
func newDuckDBOpener(cfg EngineConfig, logger *slog.Logger) engine.Opener {
	return func(ctx context.Context) (*sql.DB, error) {
		settings := engineSettings(cfg)
		connector, err := duckdb.NewConnector(cfg.Path, func(execer driver.ExecerContext) error {
			for _, stmt := range settings {
				if _, err := execer.ExecContext(ctx, stmt, nil); err != nil {
					return fmt.Errorf("failed to apply %q: %w", stmt, err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
		}

		db := sql.OpenDB(connector)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to DuckDB: %w", err)
		}

		logger.Debug(fmt.Sprintf("🦆 DuckDB ready (path=%q, memory_limit=%s, threads=%d)", cfg.Path, cfg.MemoryLimit, cfg.Threads))
		return db, nil
	}
}
