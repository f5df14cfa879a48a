package message

// State is a position in the per-message delivery state machine:
//
//	CREATED -> {SENT | QUEUED} -> DELIVERED -> READ
//	QUEUED  -> DEAD_LETTERED
type State string

const (
	StateCreated      State = "created"
	StateSent         State = "sent"
	StateQueued       State = "queued"
	StateDelivered    State = "delivered"
	StateRead         State = "read"
	StateDeadLettered State = "dead_lettered"
)

// rank orders the non-dead-letter states; SENT and QUEUED are alternatives
// at the same depth.
var rank = map[State]int{
	StateCreated:   0,
	StateSent:      1,
	StateQueued:    1,
	StateDelivered: 2,
	StateRead:      3,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateDeadLettered {
		return true
	}
	_, ok := rank[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateRead || s == StateDeadLettered
}

// CanAdvance reports whether a message in state from may move to state to.
// Transitions only move forward; an intermediate state that was skipped
// (a read receipt arriving before the delivered one) is implied. Dead-letter
// is reachable from QUEUED only.
func CanAdvance(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StateDeadLettered {
		return from == StateQueued
	}
	return rank[to] > rank[from]
}
