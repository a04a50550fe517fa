package repo

import (
	"context"
	"database/sql"
	"sort"

	"github.com/google/uuid"

	"escalator/internal/domain"
)

func (r Repo) CreateWorkspace(ctx context.Context, ws domain.Workspace) (domain.Workspace, error) {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.Kind == "" {
		ws.Kind = domain.WorkspaceTeam
		if ws.ParentID == nil {
			ws.Kind = domain.WorkspaceRoot
		}
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces(id,parent_id,name,kind,lead_id,created_at) VALUES (?,?,?,?,?,?)`,
		ws.ID, nullableStringPtr(ws.ParentID), ws.Name, ws.Kind, nullableStringPtr(ws.LeadID), ts(ws.CreatedAt))
	if err != nil {
		return domain.Workspace{}, classify("create workspace", err)
	}
	return ws, nil
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var (
		ws             domain.Workspace
		parentID, lead sql.NullString
		createdAt      string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,parent_id,name,kind,lead_id,created_at FROM workspaces WHERE id=?`, id).
		Scan(&ws.ID, &parentID, &ws.Name, &ws.Kind, &lead, &createdAt)
	if err != nil {
		return domain.Workspace{}, classify("get workspace", err)
	}
	if parentID.Valid {
		ws.ParentID = &parentID.String
	}
	if lead.Valid {
		ws.LeadID = &lead.String
	}
	ws.CreatedAt, err = parseTS(createdAt)
	return ws, err
}

func (r Repo) SetWorkspaceLead(ctx context.Context, id, leadID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workspaces SET lead_id=? WHERE id=?`, nullable(leadID), id)
	return affectedOne("set workspace lead", res, err)
}

func (r Repo) AddMember(ctx context.Context, m domain.Member) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO workspace_members(workspace_id, actor_id, role) VALUES (?,?,?)`, m.WorkspaceID, m.ActorID, m.Role)
	return classify("add member", err)
}

func (r Repo) RemoveMember(ctx context.Context, m domain.Member) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workspace_members WHERE workspace_id=? AND actor_id=? AND role=?`, m.WorkspaceID, m.ActorID, m.Role)
	return affectedOne("remove member", res, err)
}

func (r Repo) ListMembers(ctx context.Context, workspaceID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workspace_id, actor_id, role FROM workspace_members WHERE workspace_id=? ORDER BY role, actor_id`, workspaceID)
	if err != nil {
		return nil, classify("list members", err)
	}
	defer rows.Close()
	var out []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.WorkspaceID, &m.ActorID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActorsWithRoles returns the distinct actors in the workspace holding any of
// roles, sorted. No roles means no actors.
func (r Repo) ActorsWithRoles(ctx context.Context, workspaceID string, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := []any{workspaceID}
	for _, role := range roles {
		args = append(args, role)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT actor_id FROM workspace_members WHERE workspace_id=? AND role IN (`+placeholders(len(roles))+`)`, args...)
	if err != nil {
		return nil, classify("actors with roles", err)
	}
	actors, err := scanStrings(rows)
	if err != nil {
		return nil, classify("actors with roles", err)
	}
	sort.Strings(actors)
	return actors, nil
}
