package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"escalator/internal/domain"
)

const itemColumns = `id,workspace_id,type,title,status,priority,creator_id,created_at,status_changed_at,due_at`

func (r Repo) CreateItem(ctx context.Context, it domain.Item) (domain.Item, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = r.now()
	}
	if it.StatusChangedAt.IsZero() {
		it.StatusChangedAt = it.CreatedAt
	}
	it.Status = domain.NormalizeStatus(it.Status)
	err := r.withTx(ctx, "create item", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			it.ID, it.WorkspaceID, it.Type, it.Title, it.Status, nullable(it.Priority), it.CreatorID,
			ts(it.CreatedAt), ts(it.StatusChangedAt), nullableTime(it.DueAt)); err != nil {
			return err
		}
		for _, tag := range it.Tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_tags(item_id, tag) VALUES (?,?)`, it.ID, tag); err != nil {
				return err
			}
		}
		return replaceAssignees(ctx, tx, it.ID, it.Assignees)
	})
	if err != nil {
		return domain.Item{}, err
	}
	return r.GetItem(ctx, it.ID)
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id)
	if err != nil {
		return domain.Item{}, classify("get item", err)
	}
	items, err := r.scanItems(ctx, rows)
	if err != nil {
		return domain.Item{}, classify("get item", err)
	}
	if len(items) == 0 {
		return domain.Item{}, ErrNotFound
	}
	return items[0], nil
}

// ListOpenItems returns the items of one workspace and type whose status is not
// in q.ExcludeStatuses.
func (r Repo) ListOpenItems(ctx context.Context, q domain.ItemQuery) ([]domain.Item, error) {
	clauses := []string{"workspace_id=?", "type=?"}
	args := []any{q.WorkspaceID, q.Type}
	if len(q.ExcludeStatuses) > 0 {
		clauses = append(clauses, "status NOT IN ("+placeholders(len(q.ExcludeStatuses))+")")
		for _, s := range q.ExcludeStatuses {
			args = append(args, domain.NormalizeStatus(s))
		}
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, classify("list items", err)
	}
	items, err := r.scanItems(ctx, rows)
	return items, classify("list items", err)
}

// SetItemStatus moves the item to status and restarts its escalation clock.
func (r Repo) SetItemStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE items SET status=?, status_changed_at=? WHERE id=?`, domain.NormalizeStatus(status), ts(at), id)
	return affectedOne("set item status", res, err)
}

func (r Repo) SetItemPriority(ctx context.Context, id, priority string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE items SET priority=? WHERE id=?`, nullable(priority), id)
	return affectedOne("set item priority", res, err)
}

// AddItemTag reports whether the tag was newly added.
func (r Repo) AddItemTag(ctx context.Context, id, tag string) (bool, error) {
	var added bool
	err := r.withTx(ctx, "add item tag", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id=?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_tags(item_id, tag) VALUES (?,?)`, id, tag)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		added = affected > 0
		return nil
	})
	return added, err
}

// ReassignItem moves the item into workspaceID and replaces its assignees.
func (r Repo) ReassignItem(ctx context.Context, id, workspaceID string, assignees []string) error {
	return r.withTx(ctx, "reassign item", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE items SET workspace_id=? WHERE id=?`, workspaceID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return replaceAssignees(ctx, tx, id, assignees)
	})
}

func (r Repo) DeleteItem(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	return affectedOne("delete item", res, err)
}

func replaceAssignees(ctx context.Context, tx *sql.Tx, itemID string, assignees []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_assignees WHERE item_id=?`, itemID); err != nil {
		return err
	}
	for i, a := range assignees {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_assignees(item_id, actor_id, position) VALUES (?,?,?)`, itemID, a, i); err != nil {
			return err
		}
	}
	return nil
}

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) scanItems(ctx context.Context, rows *sql.Rows) ([]domain.Item, error) {
	var out []domain.Item
	for rows.Next() {
		var (
			it                         domain.Item
			priority, due              sql.NullString
			createdAt, statusChangedAt string
		)
		if err := rows.Scan(&it.ID, &it.WorkspaceID, &it.Type, &it.Title, &it.Status, &priority, &it.CreatorID,
			&createdAt, &statusChangedAt, &due); err != nil {
			rows.Close()
			return nil, err
		}
		it.Priority = priority.String
		var err error
		if it.CreatedAt, err = parseTS(createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		if it.StatusChangedAt, err = parseTS(statusChangedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if it.DueAt, err = parseNullTS(due); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// Tags and assignees load after the cursor closes.
	for i := range out {
		tagRows, err := r.DB.QueryContext(ctx, `SELECT tag FROM item_tags WHERE item_id=? ORDER BY tag`, out[i].ID)
		if err != nil {
			return nil, err
		}
		if out[i].Tags, err = scanStrings(tagRows); err != nil {
			return nil, err
		}
		asgRows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM item_assignees WHERE item_id=? ORDER BY position`, out[i].ID)
		if err != nil {
			return nil, err
		}
		if out[i].Assignees, err = scanStrings(asgRows); err != nil {
			return nil, err
		}
	}
	return out, nil
}
