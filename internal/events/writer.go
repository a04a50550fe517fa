package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"escalator/internal/domain"
)

// ErrDuplicate reports an event ID the journal already holds. The event was
// processed when it was first recorded.
var ErrDuplicate = domain.ErrDuplicateEvent

// Writer is the event journal: every ingested or synthesized canonical event
// is appended to the events table before it is matched.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Record(ctx context.Context, evt domain.Event) error {
	at := evt.OccurredAt
	if at.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		at = w.Now()
	}
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var level any
	if evt.Level > 0 {
		level = evt.Level
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(id,ts,kind,source,item_id,item_type,workspace_id,from_status,to_status,rule_id,level,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		evt.ID, at.UTC().Format(time.RFC3339Nano), evt.Kind, evt.Source, evt.ItemID, evt.ItemType, evt.WorkspaceID,
		nullable(evt.FromStatus), nullable(evt.ToStatus), nullable(evt.RuleID), level, string(data))
	if isUniqueViolation(err) {
		return fmt.Errorf("record event %s: %w", evt.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("record event %s: %w", evt.ID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Entry is a journaled event with its sequence number.
type Entry struct {
	Seq   int64        `json:"seq"`
	Event domain.Event `json:"event"`
}

// List returns journal entries after cursor, oldest first. An empty itemID
// lists every item.
func (w Writer) List(ctx context.Context, itemID string, cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq,id,ts,kind,source,item_id,item_type,workspace_id,COALESCE(from_status,''),COALESCE(to_status,''),COALESCE(rule_id,''),COALESCE(level,0),payload_json FROM events WHERE seq > ?`
	args := []any{cursor}
	if itemID != "" {
		query += ` AND item_id=?`
		args = append(args, itemID)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			at, payload string
		)
		if err := rows.Scan(&e.Seq, &e.Event.ID, &at, &e.Event.Kind, &e.Event.Source, &e.Event.ItemID, &e.Event.ItemType,
			&e.Event.WorkspaceID, &e.Event.FromStatus, &e.Event.ToStatus, &e.Event.RuleID, &e.Event.Level, &payload); err != nil {
			return nil, err
		}
		occurred, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at for event %s: %w", e.Event.ID, err)
		}
		e.Event.OccurredAt = occurred
		if err := json.Unmarshal([]byte(payload), &e.Event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for event %s: %w", e.Event.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
