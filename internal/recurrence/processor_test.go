package recurrence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"finrecur/internal/eventbus"
	"finrecur/internal/storage"
	logx "finrecur/pkg/logx"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	ctx    context.Context
	cal    Calendar
	store  storage.Store
	bus    eventbus.Bus
	proc   *Processor
	ledger *Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "finrecur.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cal := NewCalendar(time.UTC)
	bus := eventbus.New()
	opts := Options{Calendar: cal, Bus: bus, Log: logx.Nop()}
	return &testEnv{
		ctx:    ctx,
		cal:    cal,
		store:  st,
		bus:    bus,
		proc:   NewProcessor(st, opts),
		ledger: NewLedger(st, opts),
	}
}

func (e *testEnv) at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := e.cal.Parse(s)
	require.NoError(t, err)
	return ts
}

// insertSub writes a recurring row directly, bypassing Ledger.Create, so
// tests control next_due exactly.
func (e *testEnv) insertSub(t *testing.T, ts, interval, nextDue string) int64 {
	t.Helper()
	id, err := e.store.Insert(e.ctx, storage.Record{
		Amount:       decimal.RequireFromString("12.50"),
		Kind:         "expense",
		Category:     "streaming",
		Description:  "monthly plan",
		Timestamp:    ts,
		AccountRef:   1,
		IsRecurring:  true,
		IntervalKind: &interval,
		NextDue:      &nextDue,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) subscription(t *testing.T, id int64) Subscription {
	t.Helper()
	tx, err := e.ledger.Get(e.ctx, id)
	require.NoError(t, err)
	sub, ok := tx.(Subscription)
	require.Truef(t, ok, "row %d is %T", id, tx)
	return sub
}

func (e *testEnv) childDates(t *testing.T, id int64) []string {
	t.Helper()
	kids, err := e.ledger.Children(e.ctx, id)
	require.NoError(t, err)
	out := make([]string, 0, len(kids))
	for _, c := range kids {
		out = append(out, e.cal.Format(c.At))
	}
	return out
}

func TestProcessDueCatchesUpMissedDays(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	sub := env.subscription(t, id)

	out, err := env.proc.ProcessDue(env.ctx, sub, env.at(t, "05/01/2024 09:30"))
	require.NoError(t, err)

	assert.Equal(t, 4, out.Missed())
	assert.Equal(t, "06/01/2024 09:00", env.cal.Format(out.Subscription.NextDue))
	assert.Equal(t, []string{"02/01/2024 09:00", "03/01/2024 09:00", "04/01/2024 09:00", "05/01/2024 09:00"}, env.childDates(t, id))

	stored := env.subscription(t, id)
	assert.Equal(t, "06/01/2024 09:00", env.cal.Format(stored.NextDue))

	kids, err := env.ledger.Children(env.ctx, id)
	require.NoError(t, err)
	for _, c := range kids {
		assert.NotZero(t, c.ID)
		assert.Equal(t, Daily, c.Interval)
		assert.True(t, c.Amount.Equal(sub.Amount))
		assert.Equal(t, sub.Category, c.Category)
	}
}

func TestProcessDueSpawnsOnePerElapsedInterval(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "09/03/2024 08:00", "daily", "10/03/2024 08:00")
	sub := env.subscription(t, id)
	now := sub.NextDue.Add(2*24*time.Hour + 12*time.Hour)

	out, err := env.proc.ProcessDue(env.ctx, sub, now)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Missed())
	assert.True(t, sub.NextDue.AddDate(0, 0, 3).Equal(out.Subscription.NextDue))
}

func TestProcessDueIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	now := env.at(t, "05/01/2024 09:30")

	_, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), now)
	require.NoError(t, err)

	// Re-read: next_due is now past now, so nothing is due.
	out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), now)
	require.NoError(t, err)
	assert.Zero(t, out.Missed())
	assert.Len(t, env.childDates(t, id), 4)

	sel, err := env.proc.DueSubscriptions(env.ctx, now)
	require.NoError(t, err)
	assert.Empty(t, sel.Due)
}

func TestProcessDueStaleSnapshotWritesNothing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	stale := env.subscription(t, id)
	now := env.at(t, "03/01/2024 10:00")

	_, err := env.proc.ProcessDue(env.ctx, stale, now)
	require.NoError(t, err)

	_, err = env.proc.ProcessDue(env.ctx, stale, now)
	require.ErrorIs(t, err, ErrAlreadyAdvanced)
	assert.Len(t, env.childDates(t, id), 2)
}

func TestProcessDueNotYetDue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "weekly", "08/01/2024 09:00")
	out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "08/01/2024 08:59"))
	require.NoError(t, err)
	assert.Zero(t, out.Missed())
	assert.Empty(t, env.childDates(t, id))
}

func TestProcessDueDueExactlyAtNextDue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "weekly", "08/01/2024 09:00")
	out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "08/01/2024 09:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Missed())
	assert.Equal(t, "15/01/2024 09:00", env.cal.Format(out.Subscription.NextDue))
}

func TestProcessDueUnsupportedIntervalLeavesRowUntouched(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	sub := env.subscription(t, id)
	sub.Interval = Interval("fortnightly")

	_, err := env.proc.ProcessDue(env.ctx, sub, env.at(t, "05/01/2024 09:30"))
	var ue *UnsupportedIntervalError
	require.ErrorAs(t, err, &ue)

	stored := env.subscription(t, id)
	assert.Equal(t, "02/01/2024 09:00", env.cal.Format(stored.NextDue))
	assert.Empty(t, env.childDates(t, id))
}

func TestProcessDueMonthlyWalksCalendar(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "31/12/2023 10:00", "monthly", "31/01/2024 10:00")
	out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "15/04/2024 00:00"))
	require.NoError(t, err)

	// Each step is taken from the previous occurrence, so the clipped day sticks.
	assert.Equal(t, []string{"31/01/2024 10:00", "29/02/2024 10:00", "29/03/2024 10:00"}, env.childDates(t, id))
	assert.Equal(t, "29/04/2024 10:00", env.cal.Format(out.Subscription.NextDue))
}

func TestProcessDueParentDepthStaysOne(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "minutely", "01/01/2024 09:01")
	for _, now := range []string{"01/01/2024 09:03", "01/01/2024 09:05", "01/01/2024 09:05", "01/01/2024 09:10"} {
		sel, err := env.proc.DueSubscriptions(env.ctx, env.at(t, now))
		require.NoError(t, err)
		for _, sub := range sel.Due {
			_, err := env.proc.ProcessDue(env.ctx, sub, env.at(t, now))
			require.NoError(t, err)
		}
	}

	rows, err := env.store.List(env.ctx, storage.ListFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 11)
	for _, r := range rows {
		if r.ID == id {
			assert.Nil(t, r.ParentRef)
			continue
		}
		require.NotNil(t, r.ParentRef)
		assert.Equal(t, id, *r.ParentRef)
		assert.False(t, r.IsRecurring)
		assert.Nil(t, r.NextDue)
		parent, err := env.store.Get(env.ctx, *r.ParentRef)
		require.NoError(t, err)
		assert.True(t, parent.IsRecurring)
	}
}

func TestProcessDueLegacyOriginIsInherited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	root := env.insertSub(t, "01/01/2024 09:00", "daily", "01/02/2024 09:00")
	// A recurring row that already points at another subscription.
	interval, due := "Daily", "02/01/2024 09:00"
	legacy, err := env.store.Insert(env.ctx, storage.Record{
		Amount: decimal.NewFromInt(3), Kind: "expense", Category: "coffee", Timestamp: "01/01/2024 09:00",
		IsRecurring: true, IntervalKind: &interval, NextDue: &due, ParentRef: &root,
	})
	require.NoError(t, err)

	sub := env.subscription(t, legacy)
	assert.Equal(t, root, sub.RootID())

	_, err = env.proc.ProcessDue(env.ctx, sub, env.at(t, "03/01/2024 09:00"))
	require.NoError(t, err)

	kids, err := env.ledger.Children(env.ctx, root)
	require.NoError(t, err)
	assert.Len(t, kids, 2)
	for _, c := range kids {
		assert.Equal(t, root, c.Parent)
	}
}

func TestDueSubscriptionsSelection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	due := env.insertSub(t, "01/11/2024 09:00", "monthly", "01/12/2024 09:00")
	// Lexically smaller than now but chronologically later.
	future := env.insertSub(t, "02/12/2024 09:00", "monthly", "02/01/2025 09:00")
	broken := env.insertSub(t, "01/11/2024 09:00", "daily", "2024-12-01 09:00")
	badKind := env.insertSub(t, "01/11/2024 09:00", "fortnightly", "02/11/2024 09:00")
	_, err := env.ledger.Create(env.ctx, NewTransaction{
		Amount: decimal.NewFromInt(5), Kind: "expense", Category: "food", Timestamp: "01/11/2024 12:00",
	})
	require.NoError(t, err)

	sel, err := env.proc.DueSubscriptions(env.ctx, env.at(t, "10/12/2024 12:00"))
	require.NoError(t, err)

	require.Len(t, sel.Due, 1)
	assert.Equal(t, due, sel.Due[0].ID)
	for _, s := range sel.Due {
		assert.NotEqual(t, future, s.ID)
	}

	invalid := map[int64]error{}
	for _, inv := range sel.Invalid {
		invalid[inv.ID] = inv.Err
	}
	require.Len(t, invalid, 2)
	var pe *ParseError
	require.ErrorAs(t, invalid[broken], &pe)
	assert.Equal(t, "next_due", pe.Field)
	var ue *UnsupportedIntervalError
	require.ErrorAs(t, invalid[badKind], &ue)
}

func TestShortestActiveInterval(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, ok, err := env.proc.ShortestActiveInterval(env.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	env.insertSub(t, "01/01/2024 09:00", "Yearly", "01/01/2025 09:00")
	iv, ok, err := env.proc.ShortestActiveInterval(env.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Yearly, iv)

	env.insertSub(t, "01/01/2024 09:00", "Weekly", "08/01/2024 09:00")
	env.insertSub(t, "01/01/2024 09:00", "monthly", "01/02/2024 09:00")
	iv, ok, err = env.proc.ShortestActiveInterval(env.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Weekly, iv)
}

func TestProcessDuePublishesChange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ch, unsub := env.bus.Subscribe(4)
	defer unsub()

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	_, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "03/01/2024 09:00"))
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, eventbus.TypeRecurrenceChanged, ev.Type)
		ce, ok := ev.Data.(ChangeEvent)
		require.True(t, ok)
		assert.Equal(t, id, ce.SubscriptionID)
		assert.Equal(t, 2, ce.Spawned)
		assert.Len(t, ce.ChildIDs, 2)
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}
}

func TestIsRecoverable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRecoverable(&ParseError{Value: "x", Err: errors.New("bad")}))
	assert.True(t, IsRecoverable(&UnsupportedIntervalError{Value: "x"}))
	assert.False(t, IsRecoverable(&StoreError{Op: "get", Err: errors.New("disk")}))
}
