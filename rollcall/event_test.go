package rollcall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Phase(t *testing.T) {
	t.Parallel()
	start := testEpoch
	ev := Event{Active: true, StartDate: start, EndDate: start.Add(time.Hour)}

	assert.Equal(t, PhaseScheduled, ev.Phase(start.Add(-2*time.Hour)))
	ev.ReminderSent = true
	assert.Equal(t, PhaseReminderSent, ev.Phase(start.Add(-30*time.Minute)))
	assert.Equal(t, PhaseStarted, ev.Phase(start))
	assert.Equal(t, PhaseEnded, ev.Phase(start.Add(time.Hour)))

	ev.Active = false
	assert.Equal(t, PhaseClosed, ev.Phase(start.Add(2*time.Hour)))

	ev.Cancelled = true
	assert.Equal(t, PhaseCancelled, ev.Phase(start))
}

func TestEvent_Open(t *testing.T) {
	t.Parallel()
	ev := Event{Active: true, StartDate: testEpoch, EndDate: testEpoch.Add(time.Hour)}

	assert.True(t, ev.Open(testEpoch.Add(-time.Hour)))
	assert.True(t, ev.Open(testEpoch.Add(time.Minute)), "started events still accept registrations")
	assert.False(t, ev.Open(testEpoch.Add(time.Hour)))

	ev.Cancelled = true
	assert.False(t, ev.Open(testEpoch))

	ev.Cancelled = false
	ev.Active = false
	assert.False(t, ev.Open(testEpoch))
}

func TestEvent_Capacity(t *testing.T) {
	t.Parallel()

	unlimited := Event{Capacity: 0, RegistrationsCount: 500}
	assert.True(t, unlimited.HasCapacity())
	assert.Equal(t, -1, unlimited.SpotsLeft())

	ev := Event{Capacity: 2, RegistrationsCount: 1}
	assert.True(t, ev.HasCapacity())
	assert.Equal(t, 1, ev.SpotsLeft())

	ev.RegistrationsCount = 2
	assert.False(t, ev.HasCapacity())
	assert.Equal(t, 0, ev.SpotsLeft())
}

func TestEvent_KeyPool(t *testing.T) {
	t.Parallel()
	ev := newEvent(
		EventSpec{
			Name:       "keys",
			StartDate:  testEpoch,
			EndDate:    testEpoch.Add(time.Hour),
			AccessKeys: []string{"K1", "K2"},
		},
	)
	require.Len(t, ev.AccessKeys, 2)
	assert.Equal(t, 1, ev.AccessKeys[0].Position)
	assert.Equal(t, 2, ev.AvailableKeys())

	k := ev.IssueKey("a", testEpoch)
	require.NotNil(t, k)
	assert.Equal(t, "K1", k.Key)
	assert.Equal(t, "a", *k.IssuedTo)
	assert.Same(t, k, ev.IssueKey("a", testEpoch), "holder gets the same key back")

	k2 := ev.IssueKey("b", testEpoch)
	require.NotNil(t, k2)
	assert.Equal(t, "K2", k2.Key)
	assert.Nil(t, ev.IssueKey("c", testEpoch), "pool exhausted")
	assert.Equal(t, 0, ev.AvailableKeys())

	reclaimed := ev.ReclaimKey("a")
	require.NotNil(t, reclaimed)
	assert.True(t, reclaimed.Available())
	assert.Nil(t, ev.ReclaimKey("a"))

	k3 := ev.IssueKey("c", testEpoch)
	require.NotNil(t, k3)
	assert.Equal(t, "K1", k3.Key, "reclaimed key is reissued in pool order")
}

func TestEventStore_Create(t *testing.T) {
	t.Parallel()
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()

	ev, err := store.Create(
		ctx, EventSpec{
			Name:       "Raid",
			Capacity:   3,
			StartDate:  testEpoch,
			EndDate:    testEpoch.Add(time.Hour),
			AccessKeys: []string{"A", "B"},
		},
	)
	require.NoError(t, err)
	assert.True(t, ev.Active)

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Raid", got.Name)
	require.Len(t, got.AccessKeys, 2)
	assert.Equal(t, "A", got.AccessKeys[0].Key)
	assert.Equal(t, "B", got.AccessKeys[1].Key)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestEventStore_CreateInvalid(t *testing.T) {
	t.Parallel()
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name string
		spec EventSpec
	}{
		{
			name: "missing name",
			spec: EventSpec{StartDate: testEpoch, EndDate: testEpoch.Add(time.Hour)},
		},
		{
			name: "ends before start",
			spec: EventSpec{Name: "x", StartDate: testEpoch, EndDate: testEpoch.Add(-time.Hour)},
		},
		{
			name: "negative capacity",
			spec: EventSpec{Name: "x", Capacity: -1, StartDate: testEpoch, EndDate: testEpoch.Add(time.Hour)},
		},
		{
			name: "duplicate keys",
			spec: EventSpec{
				Name:       "x",
				StartDate:  testEpoch,
				EndDate:    testEpoch.Add(time.Hour),
				AccessKeys: []string{"A", "A"},
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				_, err := store.Create(ctx, tc.spec)
				assert.ErrorIs(t, err, ErrInvalidEvent)
			},
		)
	}
}

func TestEventStore_List(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	ctx := context.Background()

	later := te.createEvent(t, 1)
	sooner, err := te.events.Create(
		ctx, EventSpec{
			Name:      "sooner",
			StartDate: testEpoch.Add(time.Hour),
			EndDate:   testEpoch.Add(2 * time.Hour),
		},
	)
	require.NoError(t, err)
	closed := te.createEvent(t, 1)
	_, err = te.CancelEvent(ctx, closed.ID)
	require.NoError(t, err)

	active, err := te.events.List(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, sooner.ID, active[0].ID)
	assert.Equal(t, later.ID, active[1].ID)

	all, err := te.events.List(ctx, true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := te.events.List(ctx, false, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, later.ID, page[0].ID)
}

func TestEventStore_Save(t *testing.T) {
	t.Parallel()
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()

	created, err := store.Create(
		ctx, EventSpec{
			Name:       "Raid",
			Capacity:   3,
			StartDate:  testEpoch,
			EndDate:    testEpoch.Add(time.Hour),
			AccessKeys: []string{"A", "B", "C"},
		},
	)
	require.NoError(t, err)

	ev, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	stale, err := store.Get(ctx, created.ID)
	require.NoError(t, err)

	ev.Name = "Raid night"
	ev.Capacity = 5
	require.NotNil(t, ev.IssueKey("u1", testEpoch))
	// drop B, add D
	ev.AccessKeys = []AccessKey{ev.AccessKeys[0], ev.AccessKeys[2], {Key: "D"}}
	require.NoError(t, store.Save(ctx, ev))
	assert.Equal(t, created.Version+1, ev.Version)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Raid night", got.Name)
	assert.Equal(t, 5, got.Capacity)
	require.Len(t, got.AccessKeys, 3)
	for i, want := range []string{"A", "C", "D"} {
		assert.Equal(t, want, got.AccessKeys[i].Key)
		assert.Equal(t, i+1, got.AccessKeys[i].Position)
	}
	require.NotNil(t, got.KeyFor("u1"))
	assert.Equal(t, "A", got.KeyFor("u1").Key)
	assert.Equal(t, 2, got.AvailableKeys())

	// saving a copy loaded before the first save loses the race
	stale.Name = "overwritten"
	stale.AccessKeys = nil
	err = store.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrConcurrentModification)
	got, err = store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Raid night", got.Name)
	assert.Len(t, got.AccessKeys, 3)

	got.EndDate = got.StartDate.Add(-time.Minute)
	assert.ErrorIs(t, store.Save(ctx, got), ErrInvalidEvent)
	got.EndDate = got.StartDate.Add(time.Hour)

	got.AccessKeys = append(got.AccessKeys, AccessKey{Key: "A"})
	assert.ErrorIs(t, store.Save(ctx, got), ErrInvalidEvent, "duplicate key")

	got.AccessKeys = nil
	require.NoError(t, store.Save(ctx, got))
	got, err = store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AccessKeys)
}

func TestEventStore_Update(t *testing.T) {
	t.Parallel()
	te := newTestEngine(t)
	ctx := context.Background()
	ev := te.createEvent(t, 1, "K1", "K2")

	res, err := te.Register(ctx, "a", ev.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Key)
	assert.Equal(t, "K1", res.Key.Key)

	_, err = te.events.Update(ctx, ev.ID, EventUpdate{AccessKeys: ptr([]string{"K2"})})
	assert.ErrorIs(t, err, ErrInvalidEvent, "K1 is issued")

	updated, err := te.events.Update(
		ctx, ev.ID, EventUpdate{
			Name:       ptr("Renamed"),
			Capacity:   ptr(2),
			AccessKeys: ptr([]string{"K3", "K1"}),
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	got := te.getEvent(t, ev.ID)
	assert.Equal(t, 2, got.Capacity)
	require.Len(t, got.AccessKeys, 2)
	assert.Equal(t, "K3", got.AccessKeys[0].Key)
	assert.True(t, got.AccessKeys[0].Available())
	assert.Equal(t, "K1", got.AccessKeys[1].Key)
	require.NotNil(t, got.KeyFor("a"))
	assert.Equal(t, "K1", got.KeyFor("a").Key)

	_, err = te.Register(ctx, "b", ev.ID)
	require.NoError(t, err)
	_, err = te.events.Update(ctx, ev.ID, EventUpdate{Capacity: ptr(1)})
	assert.ErrorIs(t, err, ErrInvalidEvent, "below confirmed count")

	_, err = te.events.Update(ctx, "missing", EventUpdate{Name: ptr("x")})
	assert.ErrorIs(t, err, ErrEventNotFound)
	te.assertInvariants(t, ev.ID)
}
