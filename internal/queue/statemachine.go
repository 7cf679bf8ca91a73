package queue

// Entry lifecycle:
//
//	(none) ──submit──► PENDING ──accept──► ACCEPTED ──create──► CREATED ──resolve──► RESOLVED
//	                      │
//	                    deny
//	                      ▼
//	                   DENIED
//
// DENIED and RESOLVED are terminal. Production code drives transitions
// through the Service, which pairs each step with a compare-and-swap write;
// the table here is the single source of truth both consult.

// Action is a named transition trigger on a queue entry.
type Action string

const (
	ActionSubmit  Action = "submit"
	ActionAccept  Action = "accept"
	ActionDeny    Action = "deny"
	ActionCreate  Action = "create_appointment"
	ActionResolve Action = "resolve"
)

var transitions = map[Action]struct {
	from State
	to   State
}{
	ActionSubmit:  {StateNone, StatePending},
	ActionAccept:  {StatePending, StateAccepted},
	ActionDeny:    {StatePending, StateDenied},
	ActionCreate:  {StateAccepted, StateCreated},
	ActionResolve: {StateCreated, StateResolved},
}

// NextState returns the state an entry in `from` moves to under `action`,
// or ErrInvalidTransition if the pair is not in the table.
func NextState(from State, action Action) (State, error) {
	t, ok := transitions[action]
	if !ok || t.from != from {
		return from, ErrInvalidTransition
	}
	return t.to, nil
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	for _, t := range transitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}
