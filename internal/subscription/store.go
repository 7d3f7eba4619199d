package subscription

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dbgroup"
	"github.com/cuemby/warren/internal/dberr"
)

const (
	setsTableName = "sync_subscription_sets"
	subsTableName = "sync_subscriptions"

	// maxOutstandingWaiters bounds, per store, how many
	// get_state_change_notification callers can be registered at once
	// (§3 DOMAIN STACK: golang.org/x/sync/semaphore).
	maxOutstandingWaiters = 1024
)

// Sets table columns.
const (
	colSetVersion = iota
	colSetState
	colSetError
	colSetSubs
)

// Subscriptions table columns.
const (
	colSubID = iota
	colSubName
	colSubObjectClass
	colSubQuery
	colSubCreatedAt
	colSubUpdatedAt
)

func setsSchema() *cluster.Schema {
	return &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "version", Type: cluster.ColInt},
		{Name: "state", Type: cluster.ColInt},
		{Name: "error", Type: cluster.ColString},
		{Name: "subs", Type: cluster.ColBinary},
	}}
}

func subsSchema() *cluster.Schema {
	return &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "id", Type: cluster.ColBinary},
		{Name: "name", Type: cluster.ColString},
		{Name: "object_class", Type: cluster.ColString},
		{Name: "query", Type: cluster.ColString},
		{Name: "created_at", Type: cluster.ColTimestamp},
		{Name: "updated_at", Type: cluster.ColTimestamp},
	}}
}

// Result is what a notification future resolves with.
type Result struct {
	State State
	Err   error
}

type waiter struct {
	target State
	ch     chan Result
}

// Store is one database's SubscriptionStore: the "sets" and
// "subscriptions" tables, plus the in-process notification registry
// (§4.6, §5 "protected by a mutex held only while registering a waiter
// or resolving waiters in bulk").
type Store struct {
	mu sync.Mutex

	g        *dbgroup.Group
	setsTree *cluster.ClusterTree
	subsTree *cluster.ClusterTree

	nextSetKey cluster.ObjKey
	nextSubKey cluster.ObjKey

	waiters map[int64][]waiter
	sem     *semaphore.Weighted
}

// Open attaches a Store to g, creating the backing tables on first
// use.
func Open(g *dbgroup.Group) (*Store, error) {
	setsTree, _, ok := g.Table(setsTableName)
	if !ok {
		var err error
		setsTree, err = g.CreateTable(setsTableName, setsSchema(), 0)
		if err != nil {
			return nil, fmt.Errorf("subscription: create sets table: %w", err)
		}
	}
	subsTree, _, ok := g.Table(subsTableName)
	if !ok {
		var err error
		subsTree, err = g.CreateTable(subsTableName, subsSchema(), 0)
		if err != nil {
			return nil, fmt.Errorf("subscription: create subscriptions table: %w", err)
		}
	}

	s := &Store{
		g:        g,
		setsTree: setsTree,
		subsTree: subsTree,
		waiters:  map[int64][]waiter{},
		sem:      semaphore.NewWeighted(maxOutstandingWaiters),
	}
	if err := s.recoverKeyCounters(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverKeyCounters() error {
	var maxSet, maxSub cluster.ObjKey = -1, -1
	if err := s.setsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		if key > maxSet {
			maxSet = key
		}
		return true
	}); err != nil {
		return err
	}
	if err := s.subsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		if key > maxSub {
			maxSub = key
		}
		return true
	}); err != nil {
		return err
	}
	s.nextSetKey = maxSet + 1
	s.nextSubKey = maxSub + 1
	return nil
}

// GetLatest returns the highest committed version (Pending or later),
// or an empty version-0 placeholder in state Pending when the store has
// no sets yet.
func (s *Store) GetLatest() (*SubscriptionSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked()
}

func (s *Store) latestLocked() (*SubscriptionSet, error) {
	var best *SubscriptionSet
	var loadErr error
	err := s.setsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		set, lerr := s.loadSetLocked(key)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		if best == nil || set.version > best.version {
			best = set
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if loadErr != nil {
		return nil, loadErr
	}
	if best == nil {
		return &SubscriptionSet{store: s, key: -1, version: 0, state: StatePending}, nil
	}
	return best, nil
}

// GetActive returns the highest version in Complete state, if any.
func (s *Store) GetActive() (*SubscriptionSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *SubscriptionSet
	var loadErr error
	err := s.setsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		set, lerr := s.loadSetLocked(key)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		if set.state == StateComplete && (best == nil || set.version > best.version) {
			best = set
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if loadErr != nil {
		return nil, false, loadErr
	}
	return best, best != nil, nil
}

// GetByVersion returns the set with the given version.
func (s *Store) GetByVersion(version int64) (*SubscriptionSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byVersionLocked(version)
}

func (s *Store) byVersionLocked(version int64) (*SubscriptionSet, bool, error) {
	var found *SubscriptionSet
	var loadErr error
	err := s.setsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		set, lerr := s.loadSetLocked(key)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		if set.version == version {
			found = set
			return false
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if loadErr != nil {
		return nil, false, loadErr
	}
	return found, found != nil, nil
}

// GetMutableByVersion returns a write cursor over the set with the
// given version, for a caller that wants to update_state it directly
// (rather than mutating a fresh copy).
func (s *Store) GetMutableByVersion(version int64) (*MutableSubscriptionSet, bool, error) {
	set, ok, err := s.GetByVersion(version)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &MutableSubscriptionSet{SubscriptionSet: *set}, true, nil
}

// MakeMutableCopy begins a new, Uncommitted set by cloning base.
func (s *Store) MakeMutableCopy(base *SubscriptionSet) *MutableSubscriptionSet {
	cp := &MutableSubscriptionSet{SubscriptionSet: SubscriptionSet{
		store:   s,
		key:     -1,
		version: 0,
		state:   StateUncommitted,
		subs:    append([]Subscription(nil), base.subs...),
	}}
	return cp
}

// GetNextPendingVersion returns the smallest version > after whose
// state is Pending or Bootstrapping.
func (s *Store) GetNextPendingVersion(after int64) (*SubscriptionSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *SubscriptionSet
	var loadErr error
	err := s.setsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		set, lerr := s.loadSetLocked(key)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		if set.version <= after {
			return true
		}
		if set.state != StatePending && set.state != StateBootstrapping {
			return true
		}
		if best == nil || set.version < best.version {
			best = set
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if loadErr != nil {
		return nil, false, loadErr
	}
	return best, best != nil, nil
}

// GetTablesForLatest returns the set of object-class-names referenced
// by the latest set's queries.
func (s *Store) GetTablesForLatest() (map[string]bool, error) {
	latest, err := s.GetLatest()
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, sub := range latest.subs {
		out[sub.ObjectClassName] = true
	}
	return out, nil
}

// Terminate resolves every outstanding notification with Superseded
// and truncates all sets and subscriptions.
func (s *Store) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for version, ws := range s.waiters {
		for _, w := range ws {
			w.ch <- Result{State: StateSuperseded}
			s.sem.Release(1)
		}
		delete(s.waiters, version)
	}

	if err := truncateAll(s.setsTree); err != nil {
		return err
	}
	if err := truncateAll(s.subsTree); err != nil {
		return err
	}
	s.nextSetKey = 0
	s.nextSubKey = 0
	return nil
}

func truncateAll(tree *cluster.ClusterTree) error {
	var keys []cluster.ObjKey
	if err := tree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tree.Erase(k, &cluster.CascadeState{}); err != nil {
			return err
		}
	}
	return nil
}

// NotifyAllStateChangeNotifications resolves every outstanding waiter
// with err, without altering persisted state.
func (s *Store) NotifyAllStateChangeNotifications(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for version, ws := range s.waiters {
		for _, w := range ws {
			w.ch <- Result{Err: err}
			s.sem.Release(1)
		}
		delete(s.waiters, version)
	}
}

// GetStateChangeNotification returns a channel that resolves per the
// rules in §4.6: immediately when set is already at or past target,
// immediately with the set's current state/error when it is already
// terminal, or later when a commit/update_state call advances or
// supersedes it.
func (s *Store) GetStateChangeNotification(set *SubscriptionSet, target State) (<-chan Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, done := immediateResult(set.state, set.errorString, target); done {
		ch := make(chan Result, 1)
		ch <- r
		return ch, nil
	}

	if !s.sem.TryAcquire(1) {
		return nil, fmt.Errorf("subscription: too many outstanding notifications: %w", dberr.ErrSubscriptionFailed)
	}
	ch := make(chan Result, 1)
	s.waiters[set.version] = append(s.waiters[set.version], waiter{target: target, ch: ch})
	return ch, nil
}

func immediateResult(current State, errStr string, target State) (Result, bool) {
	switch current {
	case StateError:
		return Result{State: StateError, Err: errors.New(errStr)}, true
	case StateSuperseded:
		return Result{State: StateSuperseded}, true
	}
	if rank(current) >= rank(target) {
		return Result{State: current}, true
	}
	return Result{}, false
}

// resolveWaiters wakes every waiter on version whose target has now
// been reached or exceeded by newState. Called with s.mu held.
func (s *Store) resolveWaiters(version int64, newState State, errStr string) {
	remaining := s.waiters[version][:0]
	for _, w := range s.waiters[version] {
		if r, done := immediateResult(newState, errStr, w.target); done {
			w.ch <- r
			s.sem.Release(1)
		} else {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(s.waiters, version)
	} else {
		s.waiters[version] = remaining
	}
}

// supersedeOlderLocked marks every non-terminal set older than version
// Superseded and wakes their waiters, per the rule that a set becoming
// Complete supersedes every older non-terminal set (§4.6).
func (s *Store) supersedeOlderLocked(version int64) error {
	var toSupersede []cluster.ObjKey
	var loadErr error
	err := s.setsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		set, lerr := s.loadSetLocked(key)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		if set.version < version && set.state != StateComplete && set.state != StateSuperseded && set.state != StateError {
			toSupersede = append(toSupersede, key)
		}
		return true
	})
	if err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}
	for _, key := range toSupersede {
		set, err := s.loadSetLocked(key)
		if err != nil {
			return err
		}
		if err := s.setsTree.SetValue(key, colSetState, cluster.IntValue(int64(StateSuperseded))); err != nil {
			return err
		}
		s.resolveWaiters(set.version, StateSuperseded, "")
	}
	return nil
}
