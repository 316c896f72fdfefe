// Package notify records lifecycle events in the outbox and relays them to the
// configured delivery sinks.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

// Event describes one notification to one recipient.
type Event struct {
	Type        models.EventType
	RecipientID uuid.UUID
	JobID       uuid.UUID
	MilestoneID *uuid.UUID
	Title       string
	Message     string
	Data        map[string]any
}

// Enqueue writes events to the outbox of the current unit of work. They are
// delivered only if the unit commits.
func Enqueue(tx store.Tx, events ...Event) error {
	for _, e := range events {
		if e.RecipientID == uuid.Nil {
			continue
		}
		jobID := e.JobID
		row := models.OutboxEvent{
			ID:          uuid.New(),
			Type:        e.Type,
			RecipientID: e.RecipientID,
			MilestoneID: e.MilestoneID,
			Title:       e.Title,
			Message:     e.Message,
		}
		if jobID != uuid.Nil {
			row.JobID = &jobID
		}
		if len(e.Data) > 0 {
			raw, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("marshal %s payload: %w", e.Type, err)
			}
			row.Payload = raw
		}
		if err := tx.Outbox().Add(&row); err != nil {
			return err
		}
	}
	return nil
}

// Envelope is the wire shape pushed to websocket, Redis and Kafka consumers.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	RecipientID string          `json:"recipient_id"`
	JobID       string          `json:"job_id,omitempty"`
	MilestoneID string          `json:"milestone_id,omitempty"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toEnvelope(e models.OutboxEvent) Envelope {
	env := Envelope{
		ID:          e.ID.String(),
		Type:        string(e.Type),
		RecipientID: e.RecipientID.String(),
		Title:       e.Title,
		Message:     e.Message,
		CreatedAt:   e.CreatedAt,
	}
	if e.JobID != nil {
		env.JobID = e.JobID.String()
	}
	if e.MilestoneID != nil {
		env.MilestoneID = e.MilestoneID.String()
	}
	if len(e.Payload) > 0 {
		env.Data = json.RawMessage(e.Payload)
	}
	return env
}
