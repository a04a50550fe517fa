package repo

import (
	"context"
	"database/sql"
	"errors"

	"escalator/internal/domain"
)

const stateColumns = `item_id,rule_id,status,level,last_triggered_at,anchor_at,updated_at`

// claimGuard is the at-most-once condition for a claim: the cooldown since the
// last firing has elapsed, and either the stored level is exactly one below the
// claimed level on the same anchor, or the anchor moved and the claim restarts
// at level 1.
const claimGuard = `(escalation_states.last_triggered_at IS NULL OR escalation_states.last_triggered_at < ?)
  AND ((escalation_states.anchor_at = ? AND escalation_states.level = ? AND escalation_states.status <> 'RESOLVED')
       OR (escalation_states.anchor_at <> ? AND ? = 1))`

func (r Repo) GetState(ctx context.Context, itemID, ruleID string) (domain.EscalationState, error) {
	return getState(ctx, r.DB, itemID, ruleID)
}

func getState(ctx context.Context, q queryer, itemID, ruleID string) (domain.EscalationState, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stateColumns+` FROM escalation_states WHERE item_id=? AND rule_id=?`, itemID, ruleID)
	if err != nil {
		return domain.EscalationState{}, classify("get state", err)
	}
	states, err := scanStates(rows)
	if err != nil {
		return domain.EscalationState{}, classify("get state", err)
	}
	if len(states) == 0 {
		return domain.EscalationState{}, ErrNotFound
	}
	return states[0], nil
}

// ClaimState performs the guarded upsert for c. It returns the state that was
// replaced (nil if none existed) and whether this caller won the claim.
func (r Repo) ClaimState(ctx context.Context, c domain.Claim) (*domain.EscalationState, bool, error) {
	var (
		prev *domain.EscalationState
		won  bool
	)
	cutoff := ts(c.Now.Add(-c.Cooldown))
	anchor := ts(c.AnchorAt)
	now := ts(c.Now)
	status := domain.StatusForLevel(c.Level)
	err := r.withTx(ctx, "claim state", func(tx *sql.Tx) error {
		cur, err := getState(ctx, tx, c.ItemID, c.RuleID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			prev = &cur
		}
		var res sql.Result
		if c.Level == 1 {
			res, err = tx.ExecContext(ctx, `INSERT INTO escalation_states(`+stateColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(item_id, rule_id) DO UPDATE SET status=excluded.status, level=excluded.level,
  last_triggered_at=excluded.last_triggered_at, anchor_at=excluded.anchor_at, updated_at=excluded.updated_at
WHERE `+claimGuard,
				c.ItemID, c.RuleID, status, c.Level, now, anchor, now,
				cutoff, anchor, c.Level-1, anchor, c.Level)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE escalation_states SET status=?, level=?, last_triggered_at=?, anchor_at=?, updated_at=?
WHERE item_id=? AND rule_id=? AND `+claimGuard,
				status, c.Level, now, anchor, now, c.ItemID, c.RuleID,
				cutoff, anchor, c.Level-1, anchor, c.Level)
		}
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		won = n > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return prev, won, nil
}

// ReleaseState undoes a won claim whose action could not be committed, so a
// later scan can fire it again. It only touches the row if it still holds c.
func (r Repo) ReleaseState(ctx context.Context, c domain.Claim, prev *domain.EscalationState) error {
	var err error
	if prev == nil {
		_, err = r.DB.ExecContext(ctx, `DELETE FROM escalation_states WHERE item_id=? AND rule_id=? AND level=? AND anchor_at=?`,
			c.ItemID, c.RuleID, c.Level, ts(c.AnchorAt))
	} else {
		_, err = r.DB.ExecContext(ctx, `UPDATE escalation_states SET status=?, level=?, last_triggered_at=?, anchor_at=?, updated_at=?
WHERE item_id=? AND rule_id=? AND level=? AND anchor_at=?`,
			prev.Status, prev.Level, nullableTime(prev.LastTriggeredAt), ts(prev.AnchorAt), ts(prev.UpdatedAt),
			c.ItemID, c.RuleID, c.Level, ts(c.AnchorAt))
	}
	return classify("release state", err)
}

// ResolveStates marks every open state of the item RESOLVED.
func (r Repo) ResolveStates(ctx context.Context, itemID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE escalation_states SET status=?, updated_at=? WHERE item_id=? AND status<>?`,
		domain.StateResolved, ts(r.now()), itemID, domain.StateResolved)
	return classify("resolve states", err)
}

// ResetStates clears escalation history for the item. An empty ruleID clears
// every rule. It returns the number of states removed.
func (r Repo) ResetStates(ctx context.Context, itemID, ruleID string) (int, error) {
	query := `DELETE FROM escalation_states WHERE item_id=?`
	args := []any{itemID}
	if ruleID != "" {
		query += ` AND rule_id=?`
		args = append(args, ruleID)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("reset states", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) ListStates(ctx context.Context, itemID string) ([]domain.EscalationState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stateColumns+` FROM escalation_states WHERE item_id=? ORDER BY rule_id`, itemID)
	if err != nil {
		return nil, classify("list states", err)
	}
	states, err := scanStates(rows)
	return states, classify("list states", err)
}

func (r Repo) ListOpenStates(ctx context.Context, ruleID string) ([]domain.EscalationState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stateColumns+` FROM escalation_states WHERE rule_id=? AND status<>? ORDER BY item_id`,
		ruleID, domain.StateResolved)
	if err != nil {
		return nil, classify("list open states", err)
	}
	states, err := scanStates(rows)
	return states, classify("list open states", err)
}

func scanStates(rows *sql.Rows) ([]domain.EscalationState, error) {
	defer rows.Close()
	var out []domain.EscalationState
	for rows.Next() {
		var (
			s                 domain.EscalationState
			last              sql.NullString
			anchor, updatedAt string
		)
		if err := rows.Scan(&s.ItemID, &s.RuleID, &s.Status, &s.Level, &last, &anchor, &updatedAt); err != nil {
			return nil, err
		}
		var err error
		if s.LastTriggeredAt, err = parseNullTS(last); err != nil {
			return nil, err
		}
		if s.AnchorAt, err = parseTS(anchor); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
