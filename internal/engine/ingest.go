package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escalator/internal/domain"
)

// ErrInvalidEvent marks raw events Normalize refuses.
var ErrInvalidEvent = errors.New("invalid event")

// RawEvent is a domain occurrence as reported by the item source of truth.
// Only ItemID and Kind are required; the rest is filled from the item.
type RawEvent struct {
	ID         string         `json:"id,omitempty"`
	ItemID     string         `json:"item_id"`
	Kind       string         `json:"kind"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Normalize turns a raw event into a canonical one. Timer kinds are rejected:
// they are only ever synthesized by the scanner.
func (e *Engine) Normalize(ctx context.Context, raw RawEvent) (domain.Event, error) {
	if raw.ItemID == "" {
		return domain.Event{}, fmt.Errorf("%w: item_id is required", ErrInvalidEvent)
	}
	kind, err := domain.ParseEventKind(raw.Kind)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if kind.Timer() {
		return domain.Event{}, fmt.Errorf("%w: kind %s is raised by the scanner", ErrInvalidEvent, kind)
	}
	item, err := retryValue(ctx, e.Config.Retry, func() (domain.Item, error) { return e.Items.GetItem(ctx, raw.ItemID) })
	if err != nil {
		return domain.Event{}, fmt.Errorf("load item %s: %w", raw.ItemID, err)
	}

	evt := domain.Event{
		ID:          raw.ID,
		ItemID:      item.ID,
		ItemType:    item.Type,
		WorkspaceID: item.WorkspaceID,
		Kind:        kind,
		OccurredAt:  e.now(),
		Source:      domain.SourceIngest,
		Payload:     raw.Payload,
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if raw.OccurredAt != nil {
		evt.OccurredAt = raw.OccurredAt.UTC()
	}
	if kind == domain.EventStatusChanged {
		evt.ToStatus = domain.NormalizeStatus(raw.ToStatus)
		if evt.ToStatus == "" {
			evt.ToStatus = item.Status
		}
		evt.FromStatus = domain.NormalizeStatus(raw.FromStatus)
	}
	return evt, nil
}

// Ingest is the event callback: normalize, then run the event through the
// pipeline.
func (e *Engine) Ingest(ctx context.Context, raw RawEvent) (domain.Event, []domain.ActivityEntry, error) {
	evt, err := e.Normalize(ctx, raw)
	if err != nil {
		return domain.Event{}, nil, err
	}
	entries, err := e.Process(ctx, evt)
	return evt, entries, err
}
