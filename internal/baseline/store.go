package baseline

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/scanner"
)

// Store keeps the findings of an accepted scan so later scans can be
// reduced to regressions
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	dbPath string
}

// Entry is one recorded finding
type Entry struct {
	Fingerprint string
	RuleID      string
	Kind        string
	Severity    string
	File        string
	Line        int
	Column      int
	Procedure   string
	Variable    string
	Offset      int64
	Message     string
	RecordedAt  time.Time
}

// Diff is the result of comparing a scan against the baseline
type Diff struct {
	New       []*scanner.Finding
	Fixed     []Entry
	Unchanged int
}

// Open opens or creates the baseline database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create baseline directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger,
		dbPath: path,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		findings_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS findings (
		fingerprint TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		file TEXT NOT NULL,
		line INTEGER NOT NULL,
		col INTEGER NOT NULL,
		procedure TEXT NOT NULL,
		variable TEXT,
		byte_offset INTEGER NOT NULL,
		message TEXT,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_findings_file ON findings(file);
	CREATE INDEX IF NOT EXISTS idx_findings_rule_id ON findings(rule_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Fingerprint identifies a finding across scans. Two findings share a
// fingerprint when they report the same defect kind on the same access.
func Fingerprint(f *scanner.Finding) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00%d\x00%d",
		f.RuleID, filepath.ToSlash(f.File), f.Procedure, f.Variable, f.Offset, f.Line, f.Column)
	return hex.EncodeToString(h.Sum(nil))
}

// Record replaces the baseline with findings
func (s *Store) Record(ctx context.Context, findings []*scanner.Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM findings"); err != nil {
		return fmt.Errorf("failed to delete existing findings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO findings
		(fingerprint, rule_id, kind, severity, file, line, col, procedure, variable, byte_offset, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare finding insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, f := range findings {
		_, err = stmt.ExecContext(ctx,
			Fingerprint(f), f.RuleID, f.Kind.String(), f.Severity.String(),
			filepath.ToSlash(f.File), f.Line, f.Column, f.Procedure, f.Variable,
			f.Offset, f.Message, now)
		if err != nil {
			return fmt.Errorf("failed to insert finding %s: %w", f.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (findings_count, created_at) VALUES (?, ?)", len(findings), now); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("Baseline recorded",
		zap.String("path", s.dbPath),
		zap.Int("findings", len(findings)))
	return nil
}

// Entries returns the recorded findings ordered by location
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, rule_id, kind, severity, file, line, col,
			   procedure, variable, byte_offset, message, recorded_at
		FROM findings ORDER BY file, line, col, byte_offset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var variable, message sql.NullString
		var recorded int64

		if err := rows.Scan(
			&e.Fingerprint, &e.RuleID, &e.Kind, &e.Severity, &e.File, &e.Line, &e.Column,
			&e.Procedure, &variable, &e.Offset, &message, &recorded); err != nil {
			return nil, err
		}
		e.Variable = variable.String
		e.Message = message.String
		e.RecordedAt = time.Unix(recorded, 0)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Compare splits findings into those absent from the baseline and reports
// baseline entries that no longer occur
func (s *Store) Compare(ctx context.Context, findings []*scanner.Finding) (*Diff, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.Fingerprint] = false
	}

	diff := &Diff{}
	for _, f := range findings {
		fp := Fingerprint(f)
		if _, ok := known[fp]; ok {
			known[fp] = true
			diff.Unchanged++
			continue
		}
		diff.New = append(diff.New, f)
	}

	for _, e := range entries {
		if !known[e.Fingerprint] {
			diff.Fixed = append(diff.Fixed, e)
		}
	}

	return diff, nil
}

// LastRecorded returns when the baseline was last written. ok is false for
// an empty baseline.
func (s *Store) LastRecorded(ctx context.Context) (at time.Time, ok bool, err error) {
	var created int64
	err = s.db.QueryRowContext(ctx,
		"SELECT created_at FROM runs ORDER BY id DESC LIMIT 1").Scan(&created)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(created, 0), true, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
