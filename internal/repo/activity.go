package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"escalator/internal/domain"
)

// AppendActivity writes an immutable activity entry.
func (r Repo) AppendActivity(ctx context.Context, e domain.ActivityEntry) (domain.ActivityEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FiredAt.IsZero() {
		e.FiredAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activity_log(id,rule_id,item_id,event_id,event_kind,level,fired_at,action_taken,outcome,reason) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RuleID, e.ItemID, nullable(e.EventID), e.EventKind, e.Level, ts(e.FiredAt), e.ActionTaken, e.Outcome, nullable(e.Reason))
	if err != nil {
		return domain.ActivityEntry{}, classify("append activity", err)
	}
	return e, nil
}

// ListActivity returns entries newest first.
func (r Repo) ListActivity(ctx context.Context, f domain.ActivityFilter) ([]domain.ActivityEntry, error) {
	var clauses []string
	var args []any
	if f.RuleID != "" {
		clauses = append(clauses, "rule_id=?")
		args = append(args, f.RuleID)
	}
	if f.ItemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, f.ItemID)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	query := `SELECT id,rule_id,item_id,event_id,event_kind,level,fired_at,action_taken,outcome,reason FROM activity_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY fired_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list activity", err)
	}
	defer rows.Close()
	var out []domain.ActivityEntry
	for rows.Next() {
		var (
			e               domain.ActivityEntry
			eventID, reason sql.NullString
			firedAt         string
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.ItemID, &eventID, &e.EventKind, &e.Level, &firedAt, &e.ActionTaken, &e.Outcome, &reason); err != nil {
			return nil, classify("list activity", err)
		}
		e.EventID = eventID.String
		e.Reason = reason.String
		if e.FiredAt, err = parseTS(firedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify("list activity", rows.Err())
}
