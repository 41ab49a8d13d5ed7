package recurrence

import (
	"context"
	"errors"
	"testing"

	"finrecur/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func TestLedgerCreateSubscription(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tx, err := env.ledger.Create(env.ctx, NewTransaction{
		Amount:    decimal.RequireFromString("9.99"),
		Kind:      "Expense",
		Category:  "music",
		Timestamp: "01/01/2024 09:00",
		Recurring: true,
		Interval:  "Monthly",
	})
	require.NoError(t, err)

	sub, ok := tx.(Subscription)
	require.True(t, ok)
	assert.NotZero(t, sub.ID)
	assert.Equal(t, Monthly, sub.Interval)
	assert.Equal(t, "01/02/2024 09:00", env.cal.Format(sub.NextDue))

	r, err := env.store.Get(env.ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, r.IsRecurring)
	require.NotNil(t, r.IntervalKind)
	assert.Equal(t, "monthly", *r.IntervalKind)
	assert.Equal(t, "expense", r.Kind)
	assert.Nil(t, r.ParentRef)
	assert.True(t, r.Amount.Equal(decimal.RequireFromString("9.99")))
}

func TestLedgerCreatePlainHasNoSchedule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tx, err := env.ledger.Create(env.ctx, NewTransaction{
		Amount:    decimal.NewFromInt(1200),
		Kind:      "income",
		Category:  "salary",
		Timestamp: "25/01/2024 08:00",
		Interval:  "monthly",
	})
	require.NoError(t, err)
	_, ok := tx.(Plain)
	require.True(t, ok)

	r, err := env.store.Get(env.ctx, tx.Base().ID)
	require.NoError(t, err)
	assert.False(t, r.IsRecurring)
	assert.Nil(t, r.IntervalKind)
	assert.Nil(t, r.NextDue)
}

func TestLedgerCreateValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	base := NewTransaction{Amount: decimal.NewFromInt(1), Kind: "expense", Category: "x", Timestamp: "01/01/2024 09:00"}
	tests := []struct {
		name   string
		mutate func(*NewTransaction)
		check  func(error) bool
	}{
		{"negative amount", func(n *NewTransaction) { n.Amount = decimal.NewFromInt(-1) }, isValidation},
		{"unknown kind", func(n *NewTransaction) { n.Kind = "transfer" }, isValidation},
		{"missing category", func(n *NewTransaction) { n.Category = "  " }, isValidation},
		{"recurring without interval", func(n *NewTransaction) { n.Recurring = true }, isValidation},
		{"bad interval", func(n *NewTransaction) { n.Recurring, n.Interval = true, "fortnightly" }, func(err error) bool {
			var ue *UnsupportedIntervalError
			return errors.As(err, &ue)
		}},
		{"bad timestamp", func(n *NewTransaction) { n.Timestamp = "2024-01-01" }, func(err error) bool {
			var pe *ParseError
			return errors.As(err, &pe)
		}},
	}
	for _, tc := range tests {
		in := base
		tc.mutate(&in)
		_, err := env.ledger.Create(env.ctx, in)
		require.Errorf(t, err, tc.name)
		assert.Truef(t, tc.check(err), "%s: %v", tc.name, err)
	}

	rows, err := env.store.List(env.ctx, storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func isValidation(err error) bool { return errors.Is(err, ErrValidation) }

func TestLedgerEditKeepsNextDue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	amount := decimal.RequireFromString("15")
	ok, err := env.ledger.Edit(env.ctx, id, Edit{Amount: &amount, Category: strp("video"), Description: strp("family plan")})
	require.NoError(t, err)
	require.True(t, ok)

	sub := env.subscription(t, id)
	assert.Equal(t, "02/01/2024 09:00", env.cal.Format(sub.NextDue))
	assert.True(t, sub.Amount.Equal(amount))
	assert.Equal(t, "video", sub.Category)
	assert.Equal(t, "family plan", sub.Description)
}

func TestLedgerEditIntervalRecomputesNextDue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	ok, err := env.ledger.Edit(env.ctx, id, Edit{Interval: strp("Weekly")})
	require.NoError(t, err)
	require.True(t, ok)

	sub := env.subscription(t, id)
	assert.Equal(t, Weekly, sub.Interval)
	assert.Equal(t, "08/01/2024 09:00", env.cal.Format(sub.NextDue))
}

func TestLedgerEditIntervalAfterCatchUpDoesNotRepeatHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	_, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "05/01/2024 10:00"))
	require.NoError(t, err)

	ok, err := env.ledger.Edit(env.ctx, id, Edit{Interval: strp("weekly")})
	require.NoError(t, err)
	require.True(t, ok)

	// One week after the last materialized occurrence (05/01).
	sub := env.subscription(t, id)
	assert.Equal(t, "12/01/2024 09:00", env.cal.Format(sub.NextDue))
}

func TestLedgerEditRecurringOff(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	ok, err := env.ledger.Edit(env.ctx, id, Edit{Recurring: boolp(false)})
	require.NoError(t, err)
	require.True(t, ok)

	r, err := env.store.Get(env.ctx, id)
	require.NoError(t, err)
	assert.False(t, r.IsRecurring)
	assert.Nil(t, r.IntervalKind)
	assert.Nil(t, r.NextDue)

	_, found, err := env.proc.ShortestActiveInterval(env.ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLedgerEditPlainToSubscription(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tx, err := env.ledger.Create(env.ctx, NewTransaction{
		Amount: decimal.NewFromInt(30), Kind: "expense", Category: "gym", Timestamp: "15/01/2024 07:00",
	})
	require.NoError(t, err)

	_, err = env.ledger.Edit(env.ctx, tx.Base().ID, Edit{Recurring: boolp(true)})
	require.ErrorIs(t, err, ErrValidation)

	ok, err := env.ledger.Edit(env.ctx, tx.Base().ID, Edit{Recurring: boolp(true), Interval: strp("monthly")})
	require.NoError(t, err)
	require.True(t, ok)
	sub := env.subscription(t, tx.Base().ID)
	assert.Equal(t, "15/02/2024 07:00", env.cal.Format(sub.NextDue))
}

func TestLedgerEditChildCannotBeRescheduled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "02/01/2024 09:00"))
	require.NoError(t, err)
	child := out.Children[0].ID

	_, err = env.ledger.Edit(env.ctx, child, Edit{Interval: strp("weekly")})
	require.ErrorIs(t, err, ErrValidation)

	ok, err := env.ledger.Edit(env.ctx, child, Edit{Description: strp("paid late")})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedgerEditMissing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ok, err := env.ledger.Edit(env.ctx, 404, Edit{Description: strp("x")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerDeleteSubscriptionCascades(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	other := env.insertSub(t, "01/01/2024 09:00", "weekly", "08/01/2024 09:00")
	out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "06/01/2024 09:00"))
	require.NoError(t, err)
	require.Equal(t, 5, out.Missed())

	before, err := env.store.List(env.ctx, storage.ListFilter{})
	require.NoError(t, err)

	ok, err := env.ledger.DeleteSubscription(env.ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := env.store.List(env.ctx, storage.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, len(before)-(out.Missed()+1), len(after))

	_, err = env.ledger.Get(env.ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	for _, c := range out.Children {
		_, err := env.ledger.Get(env.ctx, c.ID)
		require.ErrorIs(t, err, ErrNotFound)
	}
	_, err = env.ledger.Get(env.ctx, other)
	require.NoError(t, err)

	ok, err = env.ledger.DeleteSubscription(env.ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerDeleteSingleChild(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "03/01/2024 09:00"))
	require.NoError(t, err)
	require.Len(t, out.Children, 2)

	_, err = env.ledger.DeleteSubscription(env.ctx, out.Children[0].ID)
	require.ErrorIs(t, err, ErrNotSubscription)

	ok, err := env.ledger.Delete(env.ctx, out.Children[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"03/01/2024 09:00"}, env.childDates(t, id))
	env.subscription(t, id)
}

func TestLedgerDeleteViaPlainDeleteStillCascades(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	_, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "03/01/2024 09:00"))
	require.NoError(t, err)

	ok, err := env.ledger.Delete(env.ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	rows, err := env.store.List(env.ctx, storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLedgerListParentsOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	_, err := env.ledger.Create(env.ctx, NewTransaction{
		Amount: decimal.NewFromInt(2), Kind: "expense", Category: "bus", Timestamp: "01/01/2024 08:00",
	})
	require.NoError(t, err)
	_, err = env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "04/01/2024 09:00"))
	require.NoError(t, err)

	all, err := env.ledger.List(env.ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	parents, err := env.ledger.List(env.ctx, ListOptions{ParentsOnly: true})
	require.NoError(t, err)
	assert.Len(t, parents, 2)

	subs, err := env.ledger.List(env.ctx, ListOptions{SubscriptionsOnly: true})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].Base().ID)
}

// passDuringRead runs a catch-up pass right after the ledger reads the row,
// so the edit's write lands after the pass committed.
type passDuringRead struct {
	storage.Store
	pass func()
}

func (s *passDuringRead) Get(ctx context.Context, id int64) (storage.Record, error) {
	r, err := s.Store.Get(ctx, id)
	if s.pass != nil {
		pass := s.pass
		s.pass = nil
		pass()
	}
	return r, err
}

func TestLedgerEditFieldsDoNotRewindCatchUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	now := env.at(t, "05/01/2024 09:30")
	racing := &passDuringRead{Store: env.store}
	racing.pass = func() {
		out, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), now)
		require.NoError(t, err)
		require.Equal(t, 4, out.Missed())
	}
	ledger := NewLedger(racing, Options{Calendar: env.cal})

	amount := decimal.RequireFromString("20")
	ok, err := ledger.Edit(env.ctx, id, Edit{Amount: &amount})
	require.NoError(t, err)
	require.True(t, ok)

	sub := env.subscription(t, id)
	assert.True(t, sub.Amount.Equal(amount))
	assert.Equal(t, "06/01/2024 09:00", env.cal.Format(sub.NextDue))

	out, err := env.proc.ProcessDue(env.ctx, sub, now)
	require.NoError(t, err)
	assert.Zero(t, out.Missed())
	assert.Len(t, env.childDates(t, id), 4)
}

func TestLedgerEditScheduleConflictsWithCatchUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "02/01/2024 09:00")
	racing := &passDuringRead{Store: env.store}
	racing.pass = func() {
		_, err := env.proc.ProcessDue(env.ctx, env.subscription(t, id), env.at(t, "05/01/2024 09:30"))
		require.NoError(t, err)
	}
	ledger := NewLedger(racing, Options{Calendar: env.cal})

	ok, err := ledger.Edit(env.ctx, id, Edit{Interval: strp("weekly")})
	require.ErrorIs(t, err, ErrConflict)
	assert.False(t, ok)

	sub := env.subscription(t, id)
	assert.Equal(t, Daily, sub.Interval)
	assert.Equal(t, "06/01/2024 09:00", env.cal.Format(sub.NextDue))

	// A retry reads the advanced row and succeeds.
	ok, err = ledger.Edit(env.ctx, id, Edit{Interval: strp("weekly")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12/01/2024 09:00", env.cal.Format(env.subscription(t, id).NextDue))
}

func TestLedgerEditRepairsUndecodableSubscription(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "fortnightly", "15/01/2024 09:00")
	_, err := env.ledger.Get(env.ctx, id)
	var ue *UnsupportedIntervalError
	require.ErrorAs(t, err, &ue)

	_, err = env.ledger.Edit(env.ctx, id, Edit{Description: strp("still broken")})
	require.ErrorAs(t, err, &ue)

	ok, err := env.ledger.Edit(env.ctx, id, Edit{Interval: strp("weekly"), Description: strp("fixed")})
	require.NoError(t, err)
	require.True(t, ok)

	sub := env.subscription(t, id)
	assert.Equal(t, Weekly, sub.Interval)
	assert.Equal(t, "08/01/2024 09:00", env.cal.Format(sub.NextDue))
	assert.Equal(t, "fixed", sub.Description)

	sel, err := env.proc.DueSubscriptions(env.ctx, env.at(t, "09/01/2024 09:00"))
	require.NoError(t, err)
	assert.Empty(t, sel.Invalid)
	require.Len(t, sel.Due, 1)
}

func TestLedgerEditTurnsOffUndecodableSubscription(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	id := env.insertSub(t, "01/01/2024 09:00", "daily", "2024-01-02")
	ok, err := env.ledger.Edit(env.ctx, id, Edit{Recurring: boolp(false)})
	require.NoError(t, err)
	require.True(t, ok)

	tx, err := env.ledger.Get(env.ctx, id)
	require.NoError(t, err)
	_, plain := tx.(Plain)
	assert.True(t, plain)
}
