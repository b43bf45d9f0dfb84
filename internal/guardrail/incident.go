package guardrail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SecurityIncident is the persisted record of an escalated violation.
type SecurityIncident struct {
	IncidentID    string   `json:"incident_id"`
	AccountID     int64    `json:"account_id"`
	ViolationType string   `json:"violation_type"`
	Severity      Severity `json:"severity"`
	Reason        string   `json:"reason"`
	Context       string   `json:"context"`
	ThreatLevel   string   `json:"threat_level"`
	IsResolved    bool     `json:"is_resolved"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// IncidentSink records incidents. Recording is best-effort: the caller treats
// a failure as log-and-continue, never as a reason to fail the turn.
type IncidentSink interface {
	Record(ctx context.Context, incident SecurityIncident) error
}

// SQLiteSink stores incidents in a local SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initIncidentSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSink) Record(ctx context.Context, incident SecurityIncident) error {
	if s == nil || s.db == nil {
		return errors.New("sink not open")
	}
	if incident.AccountID <= 0 {
		return errors.New("invalid account id")
	}
	if strings.TrimSpace(incident.ViolationType) == "" {
		return errors.New("missing violation type")
	}

	id := strings.TrimSpace(incident.IncidentID)
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := incident.CreatedAtUnixMs
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO incidents (incident_id, account_id, violation_type, severity, reason, context, threat_level, is_resolved, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		id,
		incident.AccountID,
		incident.ViolationType,
		string(incident.Severity),
		incident.Reason,
		incident.Context,
		incident.ThreatLevel,
		boolToInt(incident.IsResolved),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("record incident: %w", err)
	}
	return nil
}

// ListIncidents returns the account's incidents, most recent first.
func (s *SQLiteSink) ListIncidents(ctx context.Context, accountID int64, limit int) ([]SecurityIncident, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sink not open")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT incident_id, account_id, violation_type, severity, reason, context, threat_level, is_resolved, created_at_unix_ms
FROM incidents
WHERE account_id = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT ?;`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SecurityIncident
	for rows.Next() {
		var inc SecurityIncident
		var sev string
		var resolved int
		if err := rows.Scan(&inc.IncidentID, &inc.AccountID, &inc.ViolationType, &sev, &inc.Reason, &inc.Context, &inc.ThreatLevel, &resolved, &inc.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		inc.Severity = Severity(sev)
		inc.IsResolved = resolved != 0
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Resolve marks an incident handled. Unknown ids are a no-op.
func (s *SQLiteSink) Resolve(ctx context.Context, accountID int64, incidentID string) error {
	if s == nil || s.db == nil {
		return errors.New("sink not open")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE incidents SET is_resolved = 1 WHERE account_id = ? AND incident_id = ?;`, accountID, strings.TrimSpace(incidentID))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initIncidentSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS incidents (
  incident_id TEXT PRIMARY KEY,
  account_id INTEGER NOT NULL,
  violation_type TEXT NOT NULL,
  severity TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  context TEXT NOT NULL DEFAULT '',
  threat_level TEXT NOT NULL DEFAULT '',
  is_resolved INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_account ON incidents(account_id, created_at_unix_ms);`); err != nil {
		return fmt.Errorf("create incidents schema: %w", err)
	}
	return nil
}
