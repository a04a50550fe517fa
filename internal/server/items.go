package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"escalator/internal/domain"
	"escalator/internal/engine"
	"escalator/internal/engine/auth"
)

func registerItems(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/items",
		Summary:       "Create item and raise CREATED",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		Body        CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemChangeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := workspaceFor(ctx, s, input.WorkspaceID, auth.PermItemsWrite); err != nil {
			return nil, handleError(err)
		}
		itemType, err := domain.ParseItemType(input.Body.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		status := input.Body.Status
		if strings.TrimSpace(status) == "" {
			status = "OPEN"
		}
		principal, _ := principalFromContext(ctx)
		tags := make([]string, 0, len(input.Body.Tags))
		for _, t := range input.Body.Tags {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				tags = append(tags, t)
			}
		}
		it, err := s.store.CreateItem(ctx, domain.Item{
			ID:          strings.TrimSpace(input.Body.ID),
			WorkspaceID: input.WorkspaceID,
			Type:        itemType,
			Title:       strings.TrimSpace(input.Body.Title),
			Status:      status,
			Priority:    strings.ToUpper(strings.TrimSpace(input.Body.Priority)),
			Tags:        tags,
			Assignees:   input.Body.Assignees,
			CreatorID:   principal.ActorID,
			CreatedAt:   s.engine.Now().UTC(),
			DueAt:       input.Body.DueAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := ingestChange(ctx, s, engine.RawEvent{ItemID: it.ID, Kind: string(domain.EventCreated)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemChangeResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		it, err := itemFor(ctx, s, input.ItemID, auth.PermItemsRead)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-status",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/status",
		Summary:     "Change item status and raise STATUS_CHANGED",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string           `path:"item_id"`
		Body   SetStatusRequest `json:"body"`
	}) (*struct {
		Body ItemChangeResponse `json:"body"`
	}, error) {
		it, err := itemFor(ctx, s, input.ItemID, auth.PermItemsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		to := domain.NormalizeStatus(input.Body.Status)
		if to == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		from, err := setStatusLocked(ctx, s, it.ID, to)
		if err != nil {
			return nil, err
		}
		resp, err := ingestChange(ctx, s, engine.RawEvent{
			ItemID:     it.ID,
			Kind:       string(domain.EventStatusChanged),
			FromStatus: from,
			ToStatus:   to,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemChangeResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-priority",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/priority",
		Summary:     "Change item priority",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string             `path:"item_id"`
		Body   SetPriorityRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		it, err := itemFor(ctx, s, input.ItemID, auth.PermItemsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.store.SetItemPriority(ctx, it.ID, strings.ToUpper(strings.TrimSpace(input.Body.Priority))); err != nil {
			return nil, handleError(err)
		}
		it, err = s.store.GetItem(ctx, it.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})
}

// ingestChange runs an item mutation's event through the engine and returns
// the item as the matched rules left it.
func ingestChange(ctx context.Context, s *service, raw engine.RawEvent) (ItemChangeResponse, error) {
	_, entries, err := s.engine.Ingest(ctx, raw)
	if err != nil {
		return ItemChangeResponse{}, err
	}
	it, err := s.store.GetItem(ctx, raw.ItemID)
	if err != nil {
		return ItemChangeResponse{}, err
	}
	return ItemChangeResponse{Item: itemResponse(it), Activity: mapActivity(entries)}, nil
}

// setStatusLocked writes the new status under the engine's item lock so it
// cannot interleave with a rule action on the same item. The lock is released
// before the change is ingested, since executing rules takes it again. It
// returns the status the item had.
func setStatusLocked(ctx context.Context, s *service, itemID, to string) (string, error) {
	unlock, err := s.engine.Locker.Lock(ctx, "item:"+itemID)
	if err != nil {
		return "", handleError(err)
	}
	defer unlock()
	cur, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return "", handleError(err)
	}
	if cur.Status == to {
		return "", newAPIError(http.StatusConflict, "conflict", "item is already in status "+to, nil)
	}
	if err := s.store.SetItemStatus(ctx, itemID, to, s.engine.Now().UTC()); err != nil {
		return "", handleError(err)
	}
	return cur.Status, nil
}
