package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"escalator/internal/domain"
)

const ruleColumns = `id,workspace_id,item_type,trigger_type,trigger_config,action_type,action_config,escalation_json,is_active,created_by,created_at,updated_at`

// CreateRule validates and stores a new rule. An empty ID is generated.
func (r Repo) CreateRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	if err := rule.Validate(); err != nil {
		return domain.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := r.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	row, err := encodeRule(rule)
	if err != nil {
		return domain.Rule{}, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.WorkspaceID, rule.ItemType, row.triggerType, row.triggerConfig, row.actionType, row.actionConfig,
		row.escalation, rule.IsActive, rule.CreatedBy, ts(now), ts(now))
	if err != nil {
		return domain.Rule{}, classify("create rule", err)
	}
	return rule, nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return getRule(ctx, r.DB, id)
}

func getRule(ctx context.Context, q queryer, id string) (domain.Rule, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id)
	if err != nil {
		return domain.Rule{}, classify("get rule", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return domain.Rule{}, classify("get rule", err)
	}
	if len(rules) == 0 {
		return domain.Rule{}, ErrNotFound
	}
	return rules[0], nil
}

// ListRules returns rules ordered by creation time. Rows whose stored trigger
// or action no longer parse come back as Invalid variants rather than errors.
func (r Repo) ListRules(ctx context.Context, f domain.RuleFilter) ([]domain.Rule, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.ItemType != "" {
		clauses = append(clauses, "item_type=?")
		args = append(args, f.ItemType)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	if f.TimerOnly {
		clauses = append(clauses, "trigger_type IN (?,?)")
		args = append(args, domain.TriggerEscalationTimer, domain.TriggerDueDateApproaching)
	}
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list rules", err)
	}
	rules, err := scanRules(rows)
	return rules, classify("list rules", err)
}

// UpdateRule applies patch under a transaction and returns the stored result.
func (r Repo) UpdateRule(ctx context.Context, id string, patch domain.RulePatch) (domain.Rule, error) {
	var out domain.Rule
	err := r.withTx(ctx, "update rule", func(tx *sql.Tx) error {
		cur, err := getRule(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := patch.Apply(cur)
		if err != nil {
			return err
		}
		next.UpdatedAt = r.now()
		row, err := encodeRule(next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE rules SET trigger_type=?, trigger_config=?, action_type=?, action_config=?, escalation_json=?, is_active=?, updated_at=? WHERE id=?`,
			row.triggerType, row.triggerConfig, row.actionType, row.actionConfig, row.escalation, next.IsActive, ts(next.UpdatedAt), id)
		out = next
		return err
	})
	if err != nil {
		return domain.Rule{}, err
	}
	return out, nil
}

func (r Repo) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET is_active=?, updated_at=? WHERE id=?`, active, ts(r.now()), id)
	if err != nil {
		return classify("set rule active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes the rule; its escalation states cascade.
func (r Repo) DeleteRule(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return classify("delete rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ruleRow struct {
	triggerType   string
	triggerConfig string
	actionType    string
	actionConfig  string
	escalation    any
}

func encodeRule(rule domain.Rule) (ruleRow, error) {
	spec := rule.Spec()
	tc, err := json.Marshal(spec.TriggerConfig)
	if err != nil {
		return ruleRow{}, fmt.Errorf("marshal trigger config: %w", err)
	}
	ac, err := json.Marshal(spec.ActionConfig)
	if err != nil {
		return ruleRow{}, fmt.Errorf("marshal action config: %w", err)
	}
	row := ruleRow{
		triggerType:   spec.TriggerType,
		triggerConfig: string(tc),
		actionType:    spec.ActionType,
		actionConfig:  string(ac),
	}
	if rule.Escalation != nil {
		data, err := json.Marshal(rule.Escalation)
		if err != nil {
			return ruleRow{}, fmt.Errorf("marshal escalation: %w", err)
		}
		row.escalation = string(data)
	}
	return row, nil
}

func scanRules(rows *sql.Rows) ([]domain.Rule, error) {
	defer rows.Close()
	var out []domain.Rule
	for rows.Next() {
		var (
			rule                 domain.Rule
			trigType, actType    string
			trigCfg, actCfg      string
			escalation           sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rule.ID, &rule.WorkspaceID, &rule.ItemType, &trigType, &trigCfg, &actType, &actCfg,
			&escalation, &rule.IsActive, &rule.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rule.Trigger = decodeTrigger(trigType, trigCfg)
		rule.Action = decodeAction(actType, actCfg)
		if escalation.Valid && escalation.String != "" {
			var p domain.EscalationPolicy
			if err := json.Unmarshal([]byte(escalation.String), &p); err != nil {
				rule.Trigger = domain.InvalidTrigger{Type: trigType, Err: &domain.ConfigurationError{RuleID: rule.ID, Field: "escalation", Reason: err.Error()}}
			} else {
				rule.Escalation = &p
			}
		}
		var err error
		if rule.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if rule.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func decodeTrigger(typ, raw string) domain.Trigger {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return domain.InvalidTrigger{Type: typ, Err: &domain.ConfigurationError{Field: "trigger_config", Reason: err.Error()}}
	}
	return domain.DecodeTrigger(typ, cfg)
}

func decodeAction(typ, raw string) domain.Action {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return domain.InvalidAction{Type: typ, Err: &domain.ConfigurationError{Field: "action_config", Reason: err.Error()}}
	}
	return domain.DecodeAction(typ, cfg)
}
