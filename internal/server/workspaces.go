package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"escalator/internal/domain"
	"escalator/internal/engine/auth"
)

func registerWorkspaces(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		ws := domain.Workspace{
			ID:       strings.TrimSpace(input.Body.ID),
			Name:     strings.TrimSpace(input.Body.Name),
			Kind:     domain.WorkspaceKind(strings.ToUpper(strings.TrimSpace(input.Body.Kind))),
			ParentID: input.Body.ParentID,
			LeadID:   input.Body.LeadID,
		}
		if ws.ParentID != nil {
			if _, err := workspaceFor(ctx, s, *ws.ParentID, auth.PermWorkspacesWrite); err != nil {
				return nil, handleError(err)
			}
		} else if err := requireGlobalPermission(ctx, s, auth.PermWorkspacesWrite); err != nil {
			return nil, handleError(err)
		}
		created, err := s.store.CreateWorkspace(ctx, ws)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		ws, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermRulesRead)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(ws)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-workspace-lead",
		Method:      http.MethodPut,
		Path:        "/workspaces/{workspace_id}/lead",
		Summary:     "Set or clear the workspace lead",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string         `path:"workspace_id"`
		Body        SetLeadRequest `json:"body"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if _, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermWorkspacesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := s.store.SetWorkspaceLead(ctx, input.WorkspaceID, strings.TrimSpace(input.Body.LeadID)); err != nil {
			return nil, handleError(err)
		}
		ws, err := s.store.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(ws)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/members",
		Summary:     "List workspace members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []MemberResponse `json:"body"`
	}, error) {
		if _, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermRulesRead); err != nil {
			return nil, handleError(err)
		}
		members, err := s.store.ListMembers(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MemberResponse `json:"body"`
		}{Body: mapMembers(members)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/members",
		Summary:       "Grant a role in a workspace",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string           `path:"workspace_id"`
		Body        AddMemberRequest `json:"body"`
	}) (*struct {
		Body MemberResponse `json:"body"`
	}, error) {
		m := domain.Member{
			WorkspaceID: input.WorkspaceID,
			ActorID:     strings.TrimSpace(input.Body.ActorID),
			Role:        strings.TrimSpace(input.Body.Role),
		}
		if m.ActorID == "" || m.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if _, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermWorkspacesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := s.store.AddMember(ctx, m); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberResponse `json:"body"`
		}{Body: MemberResponse{WorkspaceID: m.WorkspaceID, ActorID: m.ActorID, Role: m.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-member",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/members/{actor_id}",
		Summary:     "Revoke a role in a workspace",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ActorID     string `path:"actor_id"`
		Role        string `query:"role" required:"true"`
	}) (*struct{}, error) {
		if _, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermWorkspacesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := s.store.RemoveMember(ctx, domain.Member{WorkspaceID: input.WorkspaceID, ActorID: input.ActorID, Role: input.Role}); err != nil {
			return nil, handleError(wrapNotFound(err, "membership", input.ActorID+"/"+input.Role))
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/me/permissions",
		Summary:     "Caller's roles and permissions in a workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body PermissionsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.store.GetWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(wrapNotFound(err, "workspace", input.WorkspaceID))
		}
		roles, err := s.auth.ActorRoles(ctx, input.WorkspaceID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := s.auth.ActorPermissions(ctx, input.WorkspaceID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms = append(perms, principal.Permissions...)
		return &struct {
			Body PermissionsResponse `json:"body"`
		}{Body: PermissionsResponse{
			ActorID:     principal.ActorID,
			WorkspaceID: input.WorkspaceID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}
