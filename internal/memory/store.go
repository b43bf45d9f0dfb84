package memory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrThreadNotFound is returned when a thread does not exist or belongs to a
// different account. The two cases are deliberately indistinguishable.
var ErrThreadNotFound = errors.New("thread not found")

// Store is a local SQLite-backed persistence layer for conversation threads,
// messages and memory summaries.
//
// Notes:
// - Every query is scoped by account_id; a thread is never visible outside its account.
// - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
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
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID             string `json:"thread_id"`
	AccountID            int64  `json:"account_id"`
	Title                string `json:"title"`
	IsActive             bool   `json:"is_active"`
	CreatedAtUnixMs      int64  `json:"created_at_unix_ms"`
	LastActivityAtUnixMs int64  `json:"last_activity_at_unix_ms"`
	LastMessagePreview   string `json:"last_message_preview"`
}

type Message struct {
	ID        int64  `json:"id"`
	ThreadID  string `json:"thread_id"`
	AccountID int64  `json:"account_id"`

	MessageID string `json:"message_id"`
	Role      string `json:"role"`

	TextContent  string `json:"text_content"`
	ApproxTokens int    `json:"approx_tokens"`
	MetadataJSON string `json:"metadata_json,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// Summary is the distilled long-term memory artifact for a thread. At most one
// current summary exists per thread; re-summarization supersedes it.
type Summary struct {
	ThreadID          string `json:"thread_id"`
	AccountID         int64  `json:"account_id"`
	AsOfMessageCount  int    `json:"as_of_message_count"`
	SummaryText       string `json:"summary_text"`
	ExtractedAtUnixMs int64  `json:"extracted_at_unix_ms"`
}

// EstimateTokens approximates the token count of text. It is monotonic in the
// text length and cheap; exactness is not required, boundedness is.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

func NewThreadID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "th_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func NewMessageID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "m_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	t.Title = strings.TrimSpace(t.Title)
	if t.ThreadID == "" || t.AccountID <= 0 {
		return errors.New("invalid thread")
	}

	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.LastActivityAtUnixMs <= 0 {
		t.LastActivityAtUnixMs = t.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads(
  thread_id, account_id, title, is_active,
  created_at_unix_ms, last_activity_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, 1, ?, ?, '')
`, t.ThreadID, t.AccountID, t.Title, t.CreatedAtUnixMs, t.LastActivityAtUnixMs)
	return err
}

func (s *Store) GetThread(ctx context.Context, accountID int64, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return nil, errors.New("invalid request")
	}

	var t Thread
	var active int
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, account_id, title, is_active,
       created_at_unix_ms, last_activity_at_unix_ms, last_message_preview
FROM threads
WHERE account_id = ? AND thread_id = ?
`, accountID, threadID).Scan(
		&t.ThreadID,
		&t.AccountID,
		&t.Title,
		&active,
		&t.CreatedAtUnixMs,
		&t.LastActivityAtUnixMs,
		&t.LastMessagePreview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.IsActive = active != 0
	return &t, nil
}

// MostRecentActiveThread returns the account's most recently active thread, or
// nil when the account has none.
func (s *Store) MostRecentActiveThread(ctx context.Context, accountID int64) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if accountID <= 0 {
		return nil, errors.New("invalid request")
	}

	var t Thread
	var active int
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, account_id, title, is_active,
       created_at_unix_ms, last_activity_at_unix_ms, last_message_preview
FROM threads
WHERE account_id = ? AND is_active = 1
ORDER BY last_activity_at_unix_ms DESC, thread_id DESC
LIMIT 1
`, accountID).Scan(
		&t.ThreadID,
		&t.AccountID,
		&t.Title,
		&active,
		&t.CreatedAtUnixMs,
		&t.LastActivityAtUnixMs,
		&t.LastMessagePreview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.IsActive = active != 0
	return &t, nil
}

func (s *Store) ListThreads(ctx context.Context, accountID int64, limit int) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if accountID <= 0 {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, account_id, title, is_active,
       created_at_unix_ms, last_activity_at_unix_ms, last_message_preview
FROM threads
WHERE account_id = ?
ORDER BY last_activity_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		var t Thread
		var active int
		if err := rows.Scan(
			&t.ThreadID,
			&t.AccountID,
			&t.Title,
			&active,
			&t.CreatedAtUnixMs,
			&t.LastActivityAtUnixMs,
			&t.LastMessagePreview,
		); err != nil {
			return nil, err
		}
		t.IsActive = active != 0
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TouchThread bumps last_activity_at for a thread owned by the account.
func (s *Store) TouchThread(ctx context.Context, accountID int64, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET last_activity_at_unix_ms = ?
WHERE account_id = ? AND thread_id = ?
`, time.Now().UnixMilli(), accountID, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// DeactivateThread soft-closes a thread. The core never hard-deletes threads.
func (s *Store) DeactivateThread(ctx context.Context, accountID int64, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET is_active = 0
WHERE account_id = ? AND thread_id = ?
`, accountID, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// AppendMessage inserts a message and updates thread metadata in the same
// transaction. It also sets a default title from the first user message when
// the thread title is still empty.
func (s *Store) AppendMessage(ctx context.Context, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.ThreadID = strings.TrimSpace(m.ThreadID)
	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Role = strings.ToLower(strings.TrimSpace(m.Role))
	m.TextContent = strings.TrimSpace(m.TextContent)
	m.MetadataJSON = strings.TrimSpace(m.MetadataJSON)

	if m.ThreadID == "" || m.AccountID <= 0 || m.MessageID == "" {
		return 0, errors.New("invalid message")
	}
	switch m.Role {
	case "user", "assistant", "tool":
	default:
		return 0, fmt.Errorf("invalid role %q", m.Role)
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}
	if m.ApproxTokens <= 0 {
		m.ApproxTokens = EstimateTokens(m.TextContent)
	}

	preview := buildPreview(m.Role, m.TextContent)
	titleCandidate := ""
	if m.Role == "user" {
		titleCandidate = buildTitleCandidate(m.TextContent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure thread exists (and belongs to the account).
	var existingTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title
FROM threads
WHERE account_id = ? AND thread_id = ?
`, m.AccountID, m.ThreadID).Scan(&existingTitle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrThreadNotFound
		}
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(
  thread_id, account_id, message_id, role,
  text_content, approx_tokens, metadata_json, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`,
		m.ThreadID,
		m.AccountID,
		m.MessageID,
		m.Role,
		m.TextContent,
		m.ApproxTokens,
		m.MetadataJSON,
		m.CreatedAtUnixMs,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextTitle := strings.TrimSpace(existingTitle)
	if nextTitle == "" && titleCandidate != "" {
		nextTitle = titleCandidate
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET title = ?,
    last_activity_at_unix_ms = ?,
    last_message_preview = ?
WHERE account_id = ? AND thread_id = ?
`, nextTitle, m.CreatedAtUnixMs, preview, m.AccountID, m.ThreadID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// ListMessages returns the thread's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, accountID int64, threadID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, account_id, message_id, role,
       text_content, approx_tokens, metadata_json, created_at_unix_ms
FROM messages
WHERE account_id = ? AND thread_id = ?
ORDER BY id ASC
`, accountID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ThreadID,
			&m.AccountID,
			&m.MessageID,
			&m.Role,
			&m.TextContent,
			&m.ApproxTokens,
			&m.MetadataJSON,
			&m.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessagesWithinTokenBudget returns the most recent contiguous suffix of
// the thread's messages whose cumulative approx_tokens fits the budget, in
// chronological order. If the newest message alone exceeds the budget it is
// returned by itself; the result is never empty while the thread has messages.
func (s *Store) ListMessagesWithinTokenBudget(ctx context.Context, accountID int64, threadID string, tokenBudget int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return nil, errors.New("invalid request")
	}
	if tokenBudget <= 0 {
		return nil, errors.New("token budget must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, account_id, message_id, role,
       text_content, approx_tokens, metadata_json, created_at_unix_ms
FROM messages
WHERE account_id = ? AND thread_id = ?
ORDER BY id DESC
`, accountID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tmp []Message
	used := 0
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ThreadID,
			&m.AccountID,
			&m.MessageID,
			&m.Role,
			&m.TextContent,
			&m.ApproxTokens,
			&m.MetadataJSON,
			&m.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		if len(tmp) > 0 && used+m.ApproxTokens > tokenBudget {
			break
		}
		tmp = append(tmp, m)
		used += m.ApproxTokens
		if used >= tokenBudget {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	out := make([]Message, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, accountID int64, threadID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return 0, errors.New("invalid request")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM messages
WHERE account_id = ? AND thread_id = ?
`, accountID, threadID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CurrentSummary returns the thread's current summary, or nil when none exists.
func (s *Store) CurrentSummary(ctx context.Context, accountID int64, threadID string) (*Summary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if accountID <= 0 || threadID == "" {
		return nil, errors.New("invalid request")
	}

	var sum Summary
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, account_id, as_of_message_count, summary_text, extracted_at_unix_ms
FROM summaries
WHERE account_id = ? AND thread_id = ?
`, accountID, threadID).Scan(
		&sum.ThreadID,
		&sum.AccountID,
		&sum.AsOfMessageCount,
		&sum.SummaryText,
		&sum.ExtractedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sum, nil
}

// ReplaceSummary supersedes the thread's current summary with a new one.
func (s *Store) ReplaceSummary(ctx context.Context, sum Summary) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sum.ThreadID = strings.TrimSpace(sum.ThreadID)
	sum.SummaryText = strings.TrimSpace(sum.SummaryText)
	if sum.ThreadID == "" || sum.AccountID <= 0 || sum.SummaryText == "" || sum.AsOfMessageCount <= 0 {
		return errors.New("invalid summary")
	}
	if sum.ExtractedAtUnixMs <= 0 {
		sum.ExtractedAtUnixMs = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO summaries(thread_id, account_id, as_of_message_count, summary_text, extracted_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  as_of_message_count = excluded.as_of_message_count,
  summary_text = excluded.summary_text,
  extracted_at_unix_ms = excluded.extracted_at_unix_ms
`, sum.ThreadID, sum.AccountID, sum.AsOfMessageCount, sum.SummaryText, sum.ExtractedAtUnixMs)
	return err
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  account_id INTEGER NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at_unix_ms INTEGER NOT NULL,
  last_activity_at_unix_ms INTEGER NOT NULL,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_threads_account_activity ON threads(account_id, last_activity_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  account_id INTEGER NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  approx_tokens INTEGER NOT NULL DEFAULT 0,
  metadata_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(account_id, thread_id, id ASC);

CREATE TABLE IF NOT EXISTS summaries (
  thread_id TEXT PRIMARY KEY,
  account_id INTEGER NOT NULL,
  as_of_message_count INTEGER NOT NULL,
  summary_text TEXT NOT NULL,
  extracted_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func buildPreview(role string, text string) string {
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if text == "" {
		if role == "user" {
			return "(no text)"
		}
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 160)
}

func buildTitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
