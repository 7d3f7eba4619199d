package subscription

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dberr"
)

// SubscriptionSet is an immutable, committed snapshot of a version's
// query descriptors (§3). The zero-version placeholder returned by
// Store.GetLatest on an empty store has key == -1 and is never
// persisted.
type SubscriptionSet struct {
	store       *Store
	key         cluster.ObjKey
	version     int64
	state       State
	errorString string
	subs        []Subscription
}

func (s *SubscriptionSet) Version() int64     { return s.version }
func (s *SubscriptionSet) State() State       { return s.state }
func (s *SubscriptionSet) ErrorString() string { return s.errorString }
func (s *SubscriptionSet) Subscriptions() []Subscription {
	return append([]Subscription(nil), s.subs...)
}

// Find returns the named subscription, if present.
func (s *SubscriptionSet) Find(name string) (Subscription, bool) {
	for _, sub := range s.subs {
		if sub.Name == name {
			return sub, true
		}
	}
	return Subscription{}, false
}

// MakeMutableCopy begins a new, Uncommitted set cloning s.
func (s *SubscriptionSet) MakeMutableCopy() *MutableSubscriptionSet {
	return s.store.MakeMutableCopy(s)
}

// GetStateChangeNotification registers (or immediately resolves) a
// waiter for this set reaching target (§4.6).
func (s *SubscriptionSet) GetStateChangeNotification(target State) (<-chan Result, error) {
	return s.store.GetStateChangeNotification(s, target)
}

// MutableSubscriptionSet is a write cursor over an Uncommitted (or, via
// GetMutableByVersion, already-committed) set. Once the cursor's own
// Commit returns, further mutation is a caller error. No other check
// is made: a cursor from GetMutableByVersion accepts mutation and
// Commit like a fresh copy.
type MutableSubscriptionSet struct {
	SubscriptionSet
	committed bool
}

func (m *MutableSubscriptionSet) checkMutable() error {
	if m.committed {
		return fmt.Errorf("subscription: mutable set already committed: %w", dberr.ErrLogicError)
	}
	return nil
}

// InsertOrAssign adds a subscription, or updates the existing entry of
// the same name if name is non-empty and already present (preserving
// its id). Anonymous inserts (name == "") always create a new entry.
// Returns the resulting subscription and whether it was newly created.
func (m *MutableSubscriptionSet) InsertOrAssign(name, objectClassName, query string) (Subscription, bool, error) {
	if err := m.checkMutable(); err != nil {
		return Subscription{}, false, err
	}
	now := nowNanos()

	if name != "" {
		for i, sub := range m.subs {
			if sub.Name == name {
				m.subs[i].ObjectClassName = objectClassName
				m.subs[i].Query = query
				m.subs[i].UpdatedAt = now
				return m.subs[i], false, nil
			}
		}
	}

	sub := Subscription{
		ID:              uuid.New(),
		Name:            name,
		ObjectClassName: objectClassName,
		Query:           query,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.subs = append(m.subs, sub)
	return sub, true, nil
}

// Erase removes the subscription with the given name, if present.
func (m *MutableSubscriptionSet) Erase(name string) (bool, error) {
	if err := m.checkMutable(); err != nil {
		return false, err
	}
	for i, sub := range m.subs {
		if sub.Name == name {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every subscription from the mutable copy.
func (m *MutableSubscriptionSet) Clear() error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	m.subs = nil
	return nil
}

// Commit persists the mutable copy as the next version, transitioning
// Uncommitted -> Pending, and returns the new immutable handle.
func (m *MutableSubscriptionSet) Commit() (*SubscriptionSet, error) {
	if err := m.checkMutable(); err != nil {
		return nil, err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.nextVersionLocked()
	if err != nil {
		return nil, err
	}
	subKeys := make([]cluster.ObjKey, len(m.subs))
	for i, sub := range m.subs {
		key := s.nextSubKey
		s.nextSubKey++
		if err := s.subsTree.Insert(key, []cluster.Value{
			cluster.BinaryValue(sub.ID[:]),
			cluster.StringValue(sub.Name),
			cluster.StringValue(sub.ObjectClassName),
			cluster.StringValue(sub.Query),
			cluster.TimestampValue(sub.CreatedAt),
			cluster.TimestampValue(sub.UpdatedAt),
		}); err != nil {
			return nil, err
		}
		subKeys[i] = key
	}

	setKey := s.nextSetKey
	s.nextSetKey++
	if err := s.setsTree.Insert(setKey, []cluster.Value{
		cluster.IntValue(version),
		cluster.IntValue(int64(StatePending)),
		cluster.Value{Null: true},
		cluster.BinaryValue(encodeObjKeyList(subKeys)),
	}); err != nil {
		return nil, err
	}

	m.committed = true
	return &SubscriptionSet{
		store:   s,
		key:     setKey,
		version: version,
		state:   StatePending,
		subs:    append([]Subscription(nil), m.subs...),
	}, nil
}

// UpdateState transitions a committed set's state. Permitted
// transitions: Pending->Bootstrapping, Bootstrapping->AwaitingMark,
// any->Complete, any->Error (§4.6). When newState is Complete, every
// older non-terminal set becomes Superseded and its waiters wake.
func (m *MutableSubscriptionSet) UpdateState(newState State, errString string) error {
	if m.key < 0 {
		return fmt.Errorf("subscription: update_state on an uncommitted set: %w", dberr.ErrLogicError)
	}
	if !permittedTransition(m.state, newState) {
		return fmt.Errorf("subscription: illegal transition %s -> %s: %w", m.state, newState, dberr.ErrIllegalCombination)
	}

	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setsTree.SetValue(m.key, colSetState, cluster.IntValue(int64(newState))); err != nil {
		return err
	}
	errVal := cluster.Value{Null: true}
	if newState == StateError {
		errVal = cluster.StringValue(errString)
	}
	if err := s.setsTree.SetValue(m.key, colSetError, errVal); err != nil {
		return err
	}

	m.state = newState
	m.errorString = errString

	if newState == StateComplete {
		if err := s.supersedeOlderLocked(m.version); err != nil {
			return err
		}
	}
	s.resolveWaiters(m.version, newState, errString)
	return nil
}

func permittedTransition(from, to State) bool {
	if to == StateComplete || to == StateError {
		return true
	}
	switch {
	case from == StatePending && to == StateBootstrapping:
		return true
	case from == StateBootstrapping && to == StateAwaitingMark:
		return true
	default:
		return false
	}
}

func (s *Store) nextVersionLocked() (int64, error) {
	var max int64 = 0
	var loadErr error
	err := s.setsTree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		set, lerr := s.loadSetLocked(key)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		if set.version > max {
			max = set.version
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if loadErr != nil {
		return 0, loadErr
	}
	return max + 1, nil
}

func (s *Store) loadSetLocked(key cluster.ObjKey) (*SubscriptionSet, error) {
	versionVal, err := s.setsTree.GetValue(key, colSetVersion)
	if err != nil {
		return nil, err
	}
	stateVal, err := s.setsTree.GetValue(key, colSetState)
	if err != nil {
		return nil, err
	}
	errVal, err := s.setsTree.GetValue(key, colSetError)
	if err != nil {
		return nil, err
	}
	subsVal, err := s.setsTree.GetValue(key, colSetSubs)
	if err != nil {
		return nil, err
	}

	subKeys := decodeObjKeyList(subsVal.Bytes)
	subs := make([]Subscription, 0, len(subKeys))
	for _, sk := range subKeys {
		sub, err := s.loadSubscriptionLocked(sk)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	errString := ""
	if !errVal.Null {
		errString = errVal.Str
	}

	return &SubscriptionSet{
		store:       s,
		key:         key,
		version:     versionVal.Int,
		state:       State(stateVal.Int),
		errorString: errString,
		subs:        subs,
	}, nil
}

func (s *Store) loadSubscriptionLocked(key cluster.ObjKey) (Subscription, error) {
	idVal, err := s.subsTree.GetValue(key, colSubID)
	if err != nil {
		return Subscription{}, err
	}
	nameVal, err := s.subsTree.GetValue(key, colSubName)
	if err != nil {
		return Subscription{}, err
	}
	classVal, err := s.subsTree.GetValue(key, colSubObjectClass)
	if err != nil {
		return Subscription{}, err
	}
	queryVal, err := s.subsTree.GetValue(key, colSubQuery)
	if err != nil {
		return Subscription{}, err
	}
	createdVal, err := s.subsTree.GetValue(key, colSubCreatedAt)
	if err != nil {
		return Subscription{}, err
	}
	updatedVal, err := s.subsTree.GetValue(key, colSubUpdatedAt)
	if err != nil {
		return Subscription{}, err
	}

	var id uuid.UUID
	copy(id[:], idVal.Bytes)
	return Subscription{
		ID:              id,
		Name:            nameVal.Str,
		ObjectClassName: classVal.Str,
		Query:           queryVal.Str,
		CreatedAt:       createdVal.Nanos,
		UpdatedAt:       updatedVal.Nanos,
	}, nil
}

func nowNanos() int64 { return time.Now().UnixNano() }
