package splittunnel

import (
	"cmp"
	"database/sql"
	"fmt"
	"slices"

	_ "modernc.org/sqlite"

	"github.com/yllada/vpn-orchestrator/common"
)

const schema = `CREATE TABLE IF NOT EXISTS app_rules (
	app  TEXT PRIMARY KEY,
	mode TEXT NOT NULL
)`

// SQLiteStore persists app rules in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize rules database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// LoadRules reads every row.
func (s *SQLiteStore) LoadRules() (map[string]common.SplitMode, error) {
	rows, err := s.db.Query(`SELECT app, mode FROM app_rules`)
	if err != nil {
		return nil, fmt.Errorf("failed to query app rules: %w", err)
	}
	defer rows.Close()

	rules := make(map[string]common.SplitMode)
	for rows.Next() {
		var app, mode string
		if err := rows.Scan(&app, &mode); err != nil {
			return nil, err
		}
		m, err := common.ParseSplitMode(mode)
		if err != nil {
			common.LogWarn("Split tunnel: skipping rule for %s: %v", app, err)
			continue
		}
		rules[app] = m
	}
	return rules, rows.Err()
}

// SaveRules replaces the stored rule set in one transaction.
func (s *SQLiteStore) SaveRules(rules map[string]common.SplitMode) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM app_rules`); err != nil {
		return fmt.Errorf("failed to clear app rules: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO app_rules (app, mode) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range sortedRules(rules) {
		if _, err := stmt.Exec(r.App, r.Mode.String()); err != nil {
			return fmt.Errorf("failed to store rule for %s: %w", r.App, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sortedRules(rules map[string]common.SplitMode) []AppRule {
	out := make([]AppRule, 0, len(rules))
	for app, mode := range rules {
		out = append(out, AppRule{App: app, Mode: mode})
	}
	slices.SortFunc(out, func(a, b AppRule) int { return cmp.Compare(a.App, b.App) })
	return out
}
