// Package store keeps an optional SQLite log of call attempts, fed from the
// internal event stream.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pufferblow/realtime-core/internal/events"
)

type Record struct {
	ID         string
	CallerID   string
	CalleeID   string
	CallType   string
	State      string
	OfferedAt  string
	AnsweredAt string
	EndedAt    string
	EndReason  string
}

type CallLog struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	caller_id   TEXT NOT NULL,
	callee_id   TEXT NOT NULL,
	call_type   TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	offered_at  TEXT NOT NULL DEFAULT '',
	answered_at TEXT NOT NULL DEFAULT '',
	ended_at    TEXT NOT NULL DEFAULT '',
	end_reason  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS calls_caller ON calls (caller_id, offered_at);
CREATE INDEX IF NOT EXISTS calls_callee ON calls (callee_id, offered_at);
`

// Events for one call can reach the log out of order across workers, so a
// state only replaces one of lower rank.
const stateRank = `CASE %s WHEN 'offered' THEN 0 WHEN 'answered' THEN 1 ELSE 2 END`

var upsert = fmt.Sprintf(`
INSERT INTO calls (id, caller_id, callee_id, call_type, state, offered_at, answered_at, ended_at, end_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state       = CASE WHEN %s >= %s THEN excluded.state ELSE calls.state END,
	answered_at = CASE WHEN excluded.answered_at != '' THEN excluded.answered_at ELSE calls.answered_at END,
	ended_at    = CASE WHEN excluded.ended_at != '' THEN excluded.ended_at ELSE calls.ended_at END,
	end_reason  = CASE WHEN excluded.end_reason != '' THEN excluded.end_reason ELSE calls.end_reason END
`, fmt.Sprintf(stateRank, "excluded.state"), fmt.Sprintf(stateRank, "calls.state"))

func OpenCallLog(path string) (*CallLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create call log dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure call log: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	return &CallLog{db: db}, nil
}

func (l *CallLog) Name() string { return "call_log" }

// Handle records call transitions and ignores every other event type.
func (l *CallLog) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeCallOffered, events.TypeCallAnswered, events.TypeCallRejected, events.TypeCallEnded:
	default:
		return nil
	}

	str := func(key string) string {
		s, _ := ev.Payload[key].(string)
		return s
	}

	id := str("call_id")
	if id == "" {
		return fmt.Errorf("%s event without call_id", ev.Type)
	}

	_, err := l.db.ExecContext(ctx, upsert,
		id,
		str("caller_id"),
		str("callee_id"),
		str("call_type"),
		str("state"),
		str("offered_at"),
		str("answered_at"),
		str("ended_at"),
		str("end_reason"),
	)
	if err != nil {
		return fmt.Errorf("record call %s: %w", id, err)
	}
	return nil
}

// Recent returns up to limit calls involving userID, newest first.
func (l *CallLog) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, caller_id, callee_id, call_type, state, offered_at, answered_at, ended_at, end_reason
		FROM calls
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY offered_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CallerID, &r.CalleeID, &r.CallType, &r.State,
			&r.OfferedAt, &r.AnsweredAt, &r.EndedAt, &r.EndReason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *CallLog) Close() error {
	return l.db.Close()
}

func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s -> %s  %-5s  %-8s  %s", r.OfferedAt, r.CallerID, r.CalleeID, r.CallType, r.State, r.ID)
	if r.EndReason != "" {
		fmt.Fprintf(&b, "  (%s)", r.EndReason)
	}
	return b.String()
}
