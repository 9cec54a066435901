package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/bastion-ai/bastion/internal/policy"
)

// SQLitePersister records every published snapshot as a row, keeping
// the full policy history queryable after a restart.
type SQLitePersister struct {
	db *sql.DB
}

func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_snapshots (
		version INTEGER PRIMARY KEY,
		created_at DATETIME,
		policies JSON
	);`
	if _, err := p.db.Exec(query); err != nil {
		return fmt.Errorf("migrate policy_snapshots: %w", err)
	}
	return nil
}

func (p *SQLitePersister) SaveSnapshot(set *policy.Set) error {
	blob, err := json.Marshal(set.Policies)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", set.Version, err)
	}
	_, err = p.db.Exec(
		`INSERT INTO policy_snapshots (version, created_at, policies) VALUES (?, ?, ?)`,
		set.Version, set.CreatedAt, string(blob),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %d: %w", set.Version, err)
	}
	return nil
}

// LoadLatest returns the policies of the newest persisted snapshot, or
// nil when the table is empty.
func (p *SQLitePersister) LoadLatest() ([]policy.Policy, uint64, error) {
	var version uint64
	var blob string
	err := p.db.QueryRow(
		`SELECT version, policies FROM policy_snapshots ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &blob)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load latest snapshot: %w", err)
	}
	var policies []policy.Policy
	if err := json.Unmarshal([]byte(blob), &policies); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot %d: %w", version, err)
	}
	return policies, version, nil
}
