package subscription_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/dbgroup"
	"github.com/cuemby/warren/internal/subscription"
)

func newStore(t *testing.T) *subscription.Store {
	t.Helper()
	g, err := dbgroup.OpenBuffer(nil, false)
	require.NoError(t, err)
	s, err := subscription.Open(g)
	require.NoError(t, err)
	return s
}

func TestEmptyStoreGetLatestIsPendingPlaceholder(t *testing.T) {
	s := newStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest.Version())
	assert.Equal(t, subscription.StatePending, latest.State())
}

func TestInsertOrAssignNamedUpdatesInPlace(t *testing.T) {
	s := newStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)
	mut := latest.MakeMutableCopy()

	_, inserted, err := mut.InsertOrAssign("a sub", "Foo", "TRUEPREDICATE")
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = mut.InsertOrAssign("a sub", "Foo", "age > 5")
	require.NoError(t, err)
	assert.False(t, inserted, "a named insert_or_assign updates the existing entry")

	sub, ok := mut.Find("a sub")
	require.True(t, ok)
	assert.Equal(t, "age > 5", sub.Query)
}

func TestInsertOrAssignAnonymousAlwaysCreatesNew(t *testing.T) {
	s := newStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)
	mut := latest.MakeMutableCopy()

	_, inserted1, err := mut.InsertOrAssign("", "Foo", "TRUEPREDICATE")
	require.NoError(t, err)
	assert.True(t, inserted1)
	_, inserted2, err := mut.InsertOrAssign("", "Foo", "TRUEPREDICATE")
	require.NoError(t, err)
	assert.True(t, inserted2)
	assert.Len(t, mut.Subscriptions(), 2)
}

// TestSubscriptionVersionLifecycle implements scenario S4: create an
// empty store; make a mutable copy, insert a query, commit
// (version=1); mutable copy again, insert another query, commit
// (version=2); mark version=2 Complete; assert get_active().version()
// == 2 and get_by_version(1).state() == Superseded.
func TestSubscriptionVersionLifecycle(t *testing.T) {
	s := newStore(t)

	latest, err := s.GetLatest()
	require.NoError(t, err)
	mut1 := latest.MakeMutableCopy()
	_, _, err = mut1.InsertOrAssign("a", "Foo", "TRUEPREDICATE")
	require.NoError(t, err)
	v1, err := mut1.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version())

	mut2 := v1.MakeMutableCopy()
	_, _, err = mut2.InsertOrAssign("b", "Bar", "TRUEPREDICATE")
	require.NoError(t, err)
	v2, err := mut2.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version())

	mutV2, ok, err := s.GetMutableByVersion(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mutV2.UpdateState(subscription.StateComplete, ""))

	active, ok, err := s.GetActive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), active.Version())

	setV1, ok, err := s.GetByVersion(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, subscription.StateSuperseded, setV1.State())
}

// TestSubscriptionNotifications implements scenario S5: register a
// completion waiter on version 1; mark version 2 Complete first;
// assert the waiter resolves with Superseded and a waiter registered
// on version 2 resolves with Complete.
func TestSubscriptionNotifications(t *testing.T) {
	s := newStore(t)

	latest, err := s.GetLatest()
	require.NoError(t, err)
	mut1 := latest.MakeMutableCopy()
	v1, err := mut1.Commit()
	require.NoError(t, err)

	mut2 := v1.MakeMutableCopy()
	v2, err := mut2.Commit()
	require.NoError(t, err)

	waiter1, err := v1.GetStateChangeNotification(subscription.StateComplete)
	require.NoError(t, err)
	waiter2, err := v2.GetStateChangeNotification(subscription.StateComplete)
	require.NoError(t, err)

	mutV2, ok, err := s.GetMutableByVersion(v2.Version())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mutV2.UpdateState(subscription.StateComplete, ""))

	res1 := <-waiter1
	require.NoError(t, res1.Err)
	assert.Equal(t, subscription.StateSuperseded, res1.State)

	res2 := <-waiter2
	require.NoError(t, res2.Err)
	assert.Equal(t, subscription.StateComplete, res2.State)
}

func TestStateChangeNotificationResolvesImmediatelyWhenPast(t *testing.T) {
	s := newStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)
	mut := latest.MakeMutableCopy()
	v1, err := mut.Commit()
	require.NoError(t, err)

	ch, err := v1.GetStateChangeNotification(subscription.StateUncommitted)
	require.NoError(t, err)
	res := <-ch
	assert.Equal(t, subscription.StatePending, res.State, "already past the target resolves with the current state")
}

func TestUpdateStateRejectsIllegalTransition(t *testing.T) {
	s := newStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)
	mut := latest.MakeMutableCopy()
	v1, err := mut.Commit()
	require.NoError(t, err)

	mutV1, ok, err := s.GetMutableByVersion(v1.Version())
	require.NoError(t, err)
	require.True(t, ok)
	err = mutV1.UpdateState(subscription.StateAwaitingMark, "")
	assert.Error(t, err, "Pending cannot jump directly to AwaitingMark")
}

func TestTerminateResolvesWaitersAndClearsStore(t *testing.T) {
	s := newStore(t)
	latest, err := s.GetLatest()
	require.NoError(t, err)
	mut := latest.MakeMutableCopy()
	v1, err := mut.Commit()
	require.NoError(t, err)

	ch, err := v1.GetStateChangeNotification(subscription.StateComplete)
	require.NoError(t, err)

	require.NoError(t, s.Terminate())

	res := <-ch
	assert.Equal(t, subscription.StateSuperseded, res.State)

	again, err := s.GetLatest()
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Version())
}
