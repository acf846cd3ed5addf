package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/airframesio/snapshot-pipeline/cmd/output"
	"github.com/airframesio/snapshot-pipeline/cmd/record"
)

// bulkOutcome is the explicit result of a union or staging attempt. A non-nil
// err means the caller must fall back to per-file processing.
type bulkOutcome struct {
	strategy Strategy
	rows     int64
	data     []record.Row
	err      error
}

// convertUnion handles small batches with one UNION ALL over all files
func (c *Converter) convertUnion(ctx context.Context, conn *sql.Conn, files []string, dest string) bulkOutcome {
	out := bulkOutcome{strategy: StrategyUnion}
	query := unionAll(files)

	if out.err = c.export(ctx, conn, query, dest, &out); out.err != nil {
		return out
	}
	out.rows, out.err = c.count(ctx, conn, countOf(query))
	return out
}

// convertStaging loads every file into a temporary table, then exports it.
// The table is dropped on every exit path.
func (c *Converter) convertStaging(ctx context.Context, conn *sql.Conn, category string, files []string, dest string) bulkOutcome {
	out := bulkOutcome{strategy: StrategyStaging}
	table := stagingTableName(c.opts.RunID, category)

	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), dropTable(table)); err != nil {
			c.logger.Warn(fmt.Sprintf("⚠️  %s: failed to drop staging table %s: %v", category, table, err))
		}
	}()

	if _, err := conn.ExecContext(ctx, createStaging(table, files[0])); err != nil {
		out.err = fmt.Errorf("failed to create staging table: %w", err)
		return out
	}
	for i, path := range files[1:] {
		if _, err := conn.ExecContext(ctx, insertInto(table, path)); err != nil {
			out.err = fmt.Errorf("failed to load file %d into staging table: %w", i+1, err)
			return out
		}
	}

	if out.err = c.export(ctx, conn, selectAll(table), dest, &out); out.err != nil {
		return out
	}
	out.rows, out.err = c.count(ctx, conn, countOf(selectAll(table)))
	return out
}

// export writes query results to dest in copy mode, or retains them in out
// in materialize mode
func (c *Converter) export(ctx context.Context, conn *sql.Conn, query, dest string, out *bulkOutcome) error {
	if c.opts.Mode == ModeMaterialize {
		rows, err := queryRows(ctx, conn, query)
		if err != nil {
			return err
		}
		out.data = rows
		return nil
	}
	if _, err := conn.ExecContext(ctx, copyToJSON(query, dest)); err != nil {
		return fmt.Errorf("failed to export JSON: %w", err)
	}
	return nil
}

// convertPerFile converts each file on its own. A file that cannot be counted
// or exported is logged and skipped; only an output failure is fatal.
func (c *Converter) convertPerFile(ctx context.Context, conn *sql.Conn, area *scratch, batch Batch, files []string, res *Result) error {
	res.reset()
	res.Strategy = StrategyPerFile

	var app *output.ArrayAppender
	if c.opts.Mode == ModeCopy {
		var err error
		if app, err = output.NewArrayAppender(res.OutputPath, c.opts.Encoding); err != nil {
			return err
		}
	} else {
		res.Rows = []record.Row{}
	}

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			if app != nil {
				app.Abort()
			}
			return err
		}

		name := batch.Blobs[i].Name
		query := readParquet(path)

		n, err := c.count(ctx, conn, countOf(query))
		if err != nil {
			c.skip(res, name, err)
			continue
		}

		if app != nil {
			piece := area.piecePath(i)
			if _, err := conn.ExecContext(ctx, copyToJSON(query, piece)); err != nil {
				c.skip(res, name, fmt.Errorf("failed to export JSON: %w", err))
				continue
			}
			err := app.AppendFile(piece)
			_ = os.Remove(piece)
			if err != nil {
				c.skip(res, name, err)
				continue
			}
		} else {
			rows, err := queryRows(ctx, conn, query)
			if err != nil {
				c.skip(res, name, err)
				continue
			}
			if int64(len(rows)) != n {
				c.logger.Warn(fmt.Sprintf("⚠️  %s: %s returned %d rows but counted %d", batch.Category, name, len(rows), n))
			}
			res.Rows = append(res.Rows, rows...)
		}

		res.addFile(name, n)
	}

	if app != nil {
		if err := app.Close(); err != nil {
			return err
		}
		res.Exported = true
	}

	c.logger.Info(fmt.Sprintf("✅ %s: %d records from %d/%d files (per-file)", batch.Category, res.TotalRows, len(res.Files), len(files)))
	return nil
}

func (c *Converter) skip(res *Result, file string, err error) {
	c.logger.Error(fmt.Sprintf("❌ Skipping unreadable file: %v", err),
		"category", res.Category, "file", file, "strategy", string(res.Strategy))
	res.Skipped = append(res.Skipped, SkippedFile{File: file, Err: err})
}

func (c *Converter) count(ctx context.Context, conn *sql.Conn, query string) (int64, error) {
	var n int64
	if err := conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func queryRows(ctx context.Context, conn *sql.Conn, query string) ([]record.Row, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	out := make([]record.Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, record.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}
