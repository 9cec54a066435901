package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit records into append-only tables, one per
// record kind. Rows are only ever inserted.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS probe_attempts (
		id TEXT PRIMARY KEY,
		input TEXT,
		response TEXT,
		action TEXT,
		snapshot_version INTEGER,
		created_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		attempt_id TEXT,
		decision TEXT,
		confidence REAL,
		category TEXT,
		scores JSON,
		created_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS breach_records (
		id TEXT PRIMARY KEY,
		verdict_id TEXT,
		attempt_id TEXT,
		category TEXT,
		input TEXT,
		keywords JSON,
		pattern TEXT,
		created_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS policy_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT,
		policy_id TEXT,
		lineage TEXT,
		snapshot_version INTEGER,
		breach_id TEXT,
		time_to_mitigation_ms REAL,
		detail TEXT,
		created_at DATETIME
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Deliver(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	switch rec.Kind {
	case KindProbeAttempt:
		a := rec.Attempt
		if a == nil {
			return fmt.Errorf("probe_attempt record without payload")
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO probe_attempts (id, input, response, action, snapshot_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.Input, a.Response, a.Action, a.SnapshotVersion, a.CreatedAt)
		return err
	case KindVerdict:
		v := rec.Verdict
		if v == nil {
			return fmt.Errorf("verdict record without payload")
		}
		scores, err := json.Marshal(v.Scores)
		if err != nil {
			return fmt.Errorf("encode scores: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO verdicts (id, attempt_id, decision, confidence, category, scores, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.AttemptID, string(v.Decision), v.Confidence, v.Category, string(scores), v.CreatedAt)
		return err
	case KindBreach:
		b := rec.Breach
		if b == nil {
			return fmt.Errorf("breach record without payload")
		}
		keywords, err := json.Marshal(b.Keywords)
		if err != nil {
			return fmt.Errorf("encode keywords: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO breach_records (id, verdict_id, attempt_id, category, input, keywords, pattern, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.VerdictID, b.AttemptID, b.Category, b.Input, string(keywords), b.Pattern, b.CreatedAt)
		return err
	case KindPolicyEvent:
		p := rec.Policy
		if p == nil {
			return fmt.Errorf("policy_event record without payload")
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO policy_events (type, policy_id, lineage, snapshot_version, breach_id, time_to_mitigation_ms, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Type, p.PolicyID, p.Lineage, p.SnapshotVersion, p.BreachID, p.TimeToMitigation, p.Detail, p.CreatedAt)
		return err
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

func (s *SQLiteSink) Close(context.Context) error { return nil }
