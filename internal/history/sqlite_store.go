package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cwbudde/crowdcalib/internal/params"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a LogStore backed by a SQLite database. Every Append is a
// single auto-committed INSERT.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB

	insertSQL string
	selectSQL string
}

// OpenSQLiteStore opens or creates the SQLite log at path. Without
// appendMode existing rows are deleted.
func OpenSQLiteStore(path string, appendMode bool) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite log: %w", err)
	}
	// One connection keeps writes strictly ordered.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite log: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !appendMode {
		if _, err := db.ExecContext(ctx, `DELETE FROM evaluations`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reset sqlite log: %w", err)
		}
	}

	cols := Columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	return &SQLiteStore{
		path:      path,
		db:        db,
		insertSQL: fmt.Sprintf(`INSERT INTO evaluations (%s) VALUES (%s)`, strings.Join(quoted, ", "), placeholders),
		selectSQL: fmt.Sprintf(`SELECT %s FROM evaluations ORDER BY iteration`, strings.Join(quoted, ", ")),
	}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS evaluations (
		"iteration" INTEGER PRIMARY KEY,
		"generation" INTEGER NOT NULL,
		"timestamp" TEXT NOT NULL,
		"objective" REAL NOT NULL,
		"rmse" REAL NOT NULL,
		"percentile_95" REAL NOT NULL,
		"time_growth" REAL NOT NULL,
		"density_diff" REAL NOT NULL`)
	for _, name := range params.Names() {
		fmt.Fprintf(&b, ",\n\t\t%q REAL NOT NULL", name)
	}
	b.WriteString("\n\t)")

	if _, err := db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("failed to create evaluations table: %w", err)
	}
	return nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.path }

// Append inserts rec. A duplicate iteration is rejected by the primary key.
func (s *SQLiteStore) Append(rec Record) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	args := []any{
		rec.Iteration, rec.Generation, rec.Timestamp, rec.Objective,
		rec.RMSE, rec.P95, rec.TimeGrowth, rec.DensityDiff,
	}
	for _, v := range rec.Vector() {
		args = append(args, v)
	}

	if _, err := db.ExecContext(context.Background(), s.insertSQL, args...); err != nil {
		return fmt.Errorf("failed to insert record %d: %w", rec.Iteration, err)
	}
	return nil
}

// Records returns every row ordered by iteration.
func (s *SQLiteStore) Records() ([]Record, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(context.Background(), s.selectSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		values := make([]float64, params.Dim)
		dest := []any{
			&rec.Iteration, &rec.Generation, &rec.Timestamp, &rec.Objective,
			&rec.RMSE, &rec.P95, &rec.TimeGrowth, &rec.DensityDiff,
		}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		set, err := params.FromVector(values)
		if err != nil {
			return nil, err
		}
		rec.Set = set
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read evaluations: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("evaluation log %s is closed", s.path)
	}
	return s.db, nil
}
