// Package inbox reads and acknowledges delivered notifications.
package inbox

import (
	"context"

	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

type Service struct {
	run *unit.Runner
}

func New(run *unit.Runner) *Service {
	return &Service{run: run}
}

func (s *Service) List(ctx context.Context, actor models.Actor, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []models.Notification
	err := s.run.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Notifications().List(actor.ID, unreadOnly, limit)
		return err
	})
	return out, err
}

// MarkRead acknowledges one of the caller's notifications. Other users'
// notifications look missing.
func (s *Service) MarkRead(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	return s.run.Atomic(ctx, store.UserKey(actor.ID), func(tx store.Tx) error {
		err := tx.Notifications().MarkRead(id, actor.ID)
		return unit.NotFoundAs(err, apperr.CodeNotFound, "notification not found")
	})
}
