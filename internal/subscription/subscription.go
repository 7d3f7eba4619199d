// Package subscription implements component G's SubscriptionStore: a
// versioned, ordered, mutable set of named query descriptors with
// state-machine notifications (§4.6). It is itself a consumer of the
// storage core, not part of it: a SubscriptionStore persists through
// an ordinary dbgroup.Group with two tables, the way any other
// embedded-object application would.
package subscription

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/warren/internal/cluster"
)

// State is a SubscriptionSet's place in its commit/bootstrap lifecycle
// (§3 "SubscriptionSet").
type State int

const (
	StateUncommitted State = iota
	StatePending
	StateBootstrapping
	StateAwaitingMark
	StateComplete
	StateError
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateUncommitted:
		return "Uncommitted"
	case StatePending:
		return "Pending"
	case StateBootstrapping:
		return "Bootstrapping"
	case StateAwaitingMark:
		return "AwaitingMark"
	case StateComplete:
		return "Complete"
	case StateError:
		return "Error"
	case StateSuperseded:
		return "Superseded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// rank orders the non-terminal, non-error progression Uncommitted <
// Pending < Bootstrapping < AwaitingMark < Complete, the scale
// get_state_change_notification compares against. Error and Superseded
// are off this scale and handled as special cases by the caller.
func rank(s State) int {
	switch s {
	case StateUncommitted:
		return 0
	case StatePending:
		return 1
	case StateBootstrapping:
		return 2
	case StateAwaitingMark:
		return 3
	case StateComplete:
		return 4
	default:
		return -1
	}
}

// Subscription is one named (or anonymous) query descriptor (§3).
type Subscription struct {
	ID              uuid.UUID
	Name            string // empty means anonymous
	ObjectClassName string
	Query           string
	CreatedAt       int64 // unix nanos
	UpdatedAt       int64
}

// encodeObjKeyList/decodeObjKeyList store a set's ordered member row
// keys as a flat little-endian blob in the "subs" column, rather than
// routing through Cluster's ColBacklink cascade machinery: the
// subscription-list-ref is an ordinary forward reference owned entirely
// by this package, with none of ColBacklink's cross-table cascade-delete
// semantics, so reusing that column type here would borrow behavior
// this package does not want.
func encodeObjKeyList(keys []cluster.ObjKey) []byte {
	out := make([]byte, 8*len(keys))
	for i, k := range keys {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(k))
	}
	return out
}

func decodeObjKeyList(b []byte) []cluster.ObjKey {
	out := make([]cluster.ObjKey, len(b)/8)
	for i := range out {
		out[i] = cluster.ObjKey(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}
