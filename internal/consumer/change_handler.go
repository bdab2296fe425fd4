package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"example.com/principalanalytics/internal/domain"
	platformevents "example.com/principalanalytics/platform/events"
)

// ChangeHandler turns source change events into change notifications for the observer.
type ChangeHandler struct {
	listener domain.ChangeListener
}

// NewChangeHandler constructs a handler forwarding to listener.
func NewChangeHandler(listener domain.ChangeListener) *ChangeHandler {
	return &ChangeHandler{listener: listener}
}

// Handle implements Handler. Malformed events are reported as ErrPoisonMessage.
func (h *ChangeHandler) Handle(ctx context.Context, msg Message) error {
	var evt platformevents.ChangeEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}

	entityType, ok := domain.ParseEntityType(evt.EntityType)
	if !ok {
		return fmt.Errorf("%w: unknown entity_type %q", ErrPoisonMessage, evt.EntityType)
	}
	if strings.TrimSpace(evt.EntityID) == "" {
		return fmt.Errorf("%w: missing entity_id", ErrPoisonMessage)
	}

	occurredAt := evt.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = msg.Timestamp
	}
	h.listener.Notify(domain.ChangeNotification{
		EntityType:   entityType,
		EntityID:     evt.EntityID,
		PrincipalIDs: evt.PrincipalIDs,
		OccurredAt:   occurredAt.UTC(),
	})
	return nil
}
