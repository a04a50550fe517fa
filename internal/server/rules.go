package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"escalator/internal/domain"
	"escalator/internal/engine/auth"
)

func registerRules(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		Body        CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermRulesWrite); err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromContext(ctx)
		spec := domain.RuleSpec{
			ID:            strings.TrimSpace(input.Body.ID),
			WorkspaceID:   input.WorkspaceID,
			ItemType:      input.Body.ItemType,
			TriggerType:   input.Body.TriggerType,
			TriggerConfig: input.Body.TriggerConfig,
			ActionType:    input.Body.ActionType,
			ActionConfig:  input.Body.ActionConfig,
			Escalation:    input.Body.Escalation,
			IsActive:      input.Body.IsActive,
			CreatedBy:     principal.ActorID,
		}
		rule, err := spec.Rule()
		if err != nil {
			return nil, handleError(err)
		}
		created, err := s.store.CreateRule(ctx, rule)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/rules",
		Summary:     "List rules",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ItemType    string `query:"item_type" enum:"TASK,BUDGET_REQUEST,RESOURCE_REQUEST"`
		ActiveOnly  bool   `query:"active_only"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		if _, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermRulesRead); err != nil {
			return nil, handleError(err)
		}
		rules, err := s.store.ListRules(ctx, domain.RuleFilter{
			WorkspaceID: input.WorkspaceID,
			ItemType:    domain.ItemType(input.ItemType),
			ActiveOnly:  input.ActiveOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(rules)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		rule, err := ruleFor(ctx, s, input.RuleID, auth.PermRulesRead)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Update rule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := ruleFor(ctx, s, input.RuleID, auth.PermRulesWrite); err != nil {
			return nil, handleError(err)
		}
		patch, err := rulePatch(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		updated, err := s.store.UpdateRule(ctx, input.RuleID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{rule_id}",
		Summary:     "Delete rule and its escalation states",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		if _, err := ruleFor(ctx, s, input.RuleID, auth.PermRulesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := s.store.DeleteRule(ctx, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	for _, toggle := range []struct {
		op, verb string
		active   bool
	}{
		{"activate-rule", "activate", true},
		{"deactivate-rule", "deactivate", false},
	} {
		active := toggle.active
		huma.Register(api, huma.Operation{
			OperationID: toggle.op,
			Method:      http.MethodPost,
			Path:        "/rules/{rule_id}/" + toggle.verb,
			Summary:     strings.ToUpper(toggle.verb[:1]) + toggle.verb[1:] + " rule",
			Errors:      []int{http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			RuleID string `path:"rule_id"`
		}) (*struct {
			Body RuleResponse `json:"body"`
		}, error) {
			if _, err := ruleFor(ctx, s, input.RuleID, auth.PermRulesWrite); err != nil {
				return nil, handleError(err)
			}
			if err := s.store.SetRuleActive(ctx, input.RuleID, active); err != nil {
				return nil, handleError(err)
			}
			rule, err := s.store.GetRule(ctx, input.RuleID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RuleResponse `json:"body"`
			}{Body: ruleResponse(rule)}, nil
		})
	}
}

func rulePatch(req UpdateRuleRequest) (domain.RulePatch, error) {
	patch := domain.RulePatch{
		Escalation:      req.Escalation,
		ClearEscalation: req.ClearEscalation,
		IsActive:        req.IsActive,
	}
	if req.TriggerType != nil {
		t, err := domain.ParseTrigger(*req.TriggerType, req.TriggerConfig)
		if err != nil {
			return patch, err
		}
		patch.Trigger = t
	}
	if req.ActionType != nil {
		a, err := domain.ParseAction(*req.ActionType, req.ActionConfig)
		if err != nil {
			return patch, err
		}
		patch.Action = a
	}
	return patch, nil
}
