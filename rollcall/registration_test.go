package rollcall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationStatus_CanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from RegistrationStatus
		to   RegistrationStatus
		ok   bool
	}{
		{StatusWaitlist, StatusConfirmed, true},
		{StatusWaitlist, StatusCancelled, true},
		{StatusWaitlist, StatusCompleted, false},
		{StatusConfirmed, StatusCancelled, true},
		{StatusConfirmed, StatusCompleted, true},
		{StatusConfirmed, StatusWaitlist, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRegistration_Transition(t *testing.T) {
	t.Parallel()
	pos := 2
	reg := Registration{Status: StatusWaitlist, WaitlistPosition: &pos}

	require.NoError(t, reg.transition(StatusConfirmed, testEpoch))
	assert.Nil(t, reg.WaitlistPosition)
	require.NotNil(t, reg.PromotedAt)
	assert.Equal(t, testEpoch, *reg.PromotedAt)
	assert.Equal(t, 0, reg.Position())

	err := reg.transition(StatusWaitlist, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusConfirmed, reg.Status)

	err = reg.transition("bogus", testEpoch)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	require.NoError(t, reg.transition(StatusCompleted, testEpoch))
	assert.NotNil(t, reg.CompletedAt)
	assert.False(t, reg.Status.Active())
}

func TestRegistrationStore(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	ctx := context.Background()
	ev := te.createEvent(t, 0)
	store := te.registrations

	a, err := store.Create(ctx, "a", ev.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Nil(t, a.WaitlistPosition)

	b, err := store.Create(ctx, "b", ev.ID, StatusWaitlist)
	require.NoError(t, err)
	c, err := store.Create(ctx, "c", ev.ID, StatusWaitlist)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Position())
	assert.Equal(t, 2, c.Position())

	_, err = store.Create(ctx, "a", ev.ID, StatusWaitlist)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	found, err := store.Find(ctx, "b", ev.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, StatusWaitlist, found.Status)

	missing, err := store.Find(ctx, "z", ev.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.UpdateStatus(ctx, a, StatusCancelled))
	cancelled, err := store.Find(ctx, "a", ev.ID)
	require.NoError(t, err)
	assert.Nil(t, cancelled, "cancelled registrations aren't found")

	// a cancelled registration doesn't block registering again
	_, err = store.Create(ctx, "a", ev.ID, StatusConfirmed)
	require.NoError(t, err)

	all, err := store.List(ctx, ev.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	waitlist, err := store.ListWaitlist(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, waitlist, 2)
	assert.Equal(t, "b", waitlist[0].UserID)
	assert.Equal(t, "c", waitlist[1].UserID)

	byUser, err := store.ListByUser(ctx, "a")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, StatusConfirmed, byUser[0].Status)
}
