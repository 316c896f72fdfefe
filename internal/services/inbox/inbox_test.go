package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store/memstore"
)

func TestListAndMarkRead(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := New(unit.NewRunner(st, time.Second))
	me := models.Actor{ID: uuid.New(), Role: models.RoleFreelancer}
	other := models.Actor{ID: uuid.New(), Role: models.RoleEmployer}

	n := models.Notification{ID: uuid.New(), RecipientID: me.ID, Type: models.EventMilestoneFunded, Title: "Milestone Funded", Message: "funded"}
	require.NoError(t, st.Atomic(ctx, store.UserKey(me.ID), func(tx store.Tx) error {
		return tx.Notifications().Create(&n)
	}))

	unread, err := svc.List(ctx, me, true, 0)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	err = svc.MarkRead(ctx, other, n.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, svc.MarkRead(ctx, me, n.ID))
	unread, err = svc.List(ctx, me, true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := svc.List(ctx, me, false, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Read)
}
