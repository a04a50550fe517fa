package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"escalator/internal/domain"
	"escalator/internal/engine"
	"escalator/internal/engine/auth"
)

func registerEvents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Ingest a domain event",
		Description: "Normalizes the event against the item and runs it through the matching rules. Timer kinds are rejected.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body engine.RawEvent `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ItemID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_event", "item_id is required", nil)
		}
		if _, err := itemFor(ctx, s, input.Body.ItemID, auth.PermEventsIngest); err != nil {
			return nil, handleError(err)
		}
		evt, entries, err := s.engine.Ingest(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		s.logger.Debug("event ingested", zap.String("event_id", evt.ID), zap.String("kind", string(evt.Kind)), zap.Int("matched", len(entries)))
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{Event: eventResponse(evt), Activity: mapActivity(entries)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List journaled events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `query:"item_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedJournal `json:"body"`
	}, error) {
		if s.journal == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "event journal not configured", nil)
		}
		if input.ItemID != "" {
			if _, err := itemFor(ctx, s, input.ItemID, auth.PermActivityRead); err != nil {
				return nil, handleError(err)
			}
		} else if err := requireGlobalPermission(ctx, s, auth.PermActivityRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		entries, err := s.journal.List(ctx, input.ItemID, cursor, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJournal{}
		if len(entries) > limit {
			entries = entries[:limit]
			resp.NextCursor = fmt.Sprintf("%d", entries[limit-1].Seq)
		}
		resp.Items = mapJournal(entries)
		return &struct {
			Body paginatedJournal `json:"body"`
		}{Body: resp}, nil
	})
}

func registerActivity(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "List rule activity, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID  string `query:"rule_id"`
		ItemID  string `query:"item_id"`
		Outcome string `query:"outcome" enum:"APPLIED,SKIPPED,FAILED"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		switch {
		case input.ItemID != "":
			if _, err := itemFor(ctx, s, input.ItemID, auth.PermActivityRead); err != nil {
				return nil, handleError(err)
			}
		case input.RuleID != "":
			if _, err := ruleFor(ctx, s, input.RuleID, auth.PermActivityRead); err != nil {
				return nil, handleError(err)
			}
		default:
			if err := requireGlobalPermission(ctx, s, auth.PermActivityRead); err != nil {
				return nil, handleError(err)
			}
		}
		entries, err := s.store.ListActivity(ctx, domain.ActivityFilter{
			RuleID:  input.RuleID,
			ItemID:  input.ItemID,
			Outcome: domain.Outcome(input.Outcome),
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivity(entries)}, nil
	})
}

func registerStates(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-states",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/states",
		Summary:     "List escalation states of an item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []StateResponse `json:"body"`
	}, error) {
		if _, err := itemFor(ctx, s, input.ItemID, auth.PermStatesRead); err != nil {
			return nil, handleError(err)
		}
		states, err := s.store.ListStates(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StateResponse `json:"body"`
		}{Body: mapStates(states)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-states",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/states/reset",
		Summary:     "Reset escalation states so timers can fire again",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string              `path:"item_id"`
		Body   *ResetStatesRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ResetStatesResponse `json:"body"`
	}, error) {
		if _, err := itemFor(ctx, s, input.ItemID, auth.PermStatesReset); err != nil {
			return nil, handleError(err)
		}
		ruleID := ""
		if input.Body != nil {
			ruleID = strings.TrimSpace(input.Body.RuleID)
		}
		n, err := s.store.ResetStates(ctx, input.ItemID, ruleID)
		if err != nil {
			return nil, handleError(err)
		}
		s.logger.Info("escalation states reset", zap.String("item_id", input.ItemID), zap.String("rule_id", ruleID), zap.Int("count", n))
		return &struct {
			Body ResetStatesResponse `json:"body"`
		}{Body: ResetStatesResponse{Reset: n}}, nil
	})
}

func registerScan(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "run-scan",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Run one timer and SLA scan pass",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		if err := requireGlobalPermission(ctx, s, auth.PermScanRun); err != nil {
			return nil, handleError(err)
		}
		report, err := s.scanner.Scan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: scanResponse(report)}, nil
	})
}
