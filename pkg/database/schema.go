package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// SchemaValidator checks a live database against the expected schema.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"sessions":          "Session lifecycle records",
	"turns":             "Transcript log",
	"evaluations":       "Scored results",
	"profiles":          "Intake profiles",
	"notifications":     "Subject notifications",
	"schema_migrations": "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_sessions_status":            "Active session sweep",
	"idx_sessions_subject":           "Ownership lookups",
	"idx_turns_session_seq":          "Transcript ordering and uniqueness",
	"idx_evaluations_session":        "One evaluation per session",
	"idx_notifications_subject_time": "Notification listing",
}

// Validate runs every structural check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range sortedKeys(requiredTables) {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, requiredTables[table], err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, requiredTables[table])
		}
	}
	return nil
}

// ValidateTableStructure verifies column types of the engine tables.
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"sessions": {
			"id":                  "TEXT",
			"subject_id":          "TEXT",
			"mode":                "TEXT",
			"time_budget_seconds": "INTEGER",
			"status":              "TEXT",
			"started_at":          "DATETIME",
			"completed_at":        "DATETIME",
			"elapsed_seconds":     "INTEGER",
		},
		"turns": {
			"id":           "TEXT",
			"session_id":   "TEXT",
			"seq":          "INTEGER",
			"speaker":      "TEXT",
			"content":      "TEXT",
			"content_kind": "TEXT",
			"created_at":   "DATETIME",
		},
		"evaluations": {
			"session_id":    "TEXT",
			"sub_scores":    "TEXT",
			"overall_score": "REAL",
			"feedback":      "TEXT",
		},
	}

	for _, table := range sortedKeys(expected) {
		if err := v.validateColumns(table, expected[table]); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all required indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range sortedKeys(requiredIndexes) {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, requiredIndexes[index], err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, requiredIndexes[index])
		}
	}
	return nil
}

// ValidateConstraints probes the foreign key and elapsed-time checks inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO turns (id, session_id, seq, speaker, content, content_kind, created_at)
		VALUES ('probe', 'missing-session', 1, 'AI', 'x', 'TEXT', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: turns.session_id")
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, subject_id, mode, time_budget_seconds, status, started_at, elapsed_seconds)
		VALUES ('probe', 'probe', 'PRACTICE', 60, 'COMPLETED', CURRENT_TIMESTAMP, 61)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: sessions.elapsed_seconds")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range sortedKeys(expectedColumns) {
		foundType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if foundType != expectedColumns[col] {
			return fmt.Errorf("column %s has type %s, expected %s", col, foundType, expectedColumns[col])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
