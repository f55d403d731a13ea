// ABOUTME: Session status values and the allowed transition table
// ABOUTME: canTransition guards every status change made by the coordinator

package session

import "fmt"

// Status is a session's lifecycle state.
type Status int

const (
	StatusUninitialized Status = iota
	StatusAwaitingPairing
	StatusConnected
	StatusReconnecting
	StatusBlocked
	StatusDestroyed
)

var statusNames = map[Status]string{
	StatusUninitialized:   "UNINITIALIZED",
	StatusAwaitingPairing: "AWAITING_PAIRING",
	StatusConnected:       "CONNECTED",
	StatusReconnecting:    "RECONNECTING",
	StatusBlocked:         "BLOCKED",
	StatusDestroyed:       "DESTROYED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown session status %q", name)
}

// transitions lists every allowed status change.
var transitions = map[Status][]Status{
	StatusUninitialized: {
		StatusAwaitingPairing,
		StatusDestroyed,
	},
	StatusAwaitingPairing: {
		StatusConnected,
		StatusReconnecting,
		StatusBlocked,
		StatusDestroyed,
		StatusUninitialized, // storage failure
	},
	StatusConnected: {
		StatusReconnecting,
		StatusBlocked,
		StatusDestroyed,
		StatusUninitialized, // storage failure
	},
	StatusReconnecting: {
		StatusAwaitingPairing, // stored credentials rejected, pairing again
		StatusConnected,
		StatusBlocked,
		StatusDestroyed,
		StatusUninitialized, // storage failure
	},
	StatusBlocked: {
		StatusUninitialized, // cooldown elapsed
		StatusDestroyed,
	},
	StatusDestroyed: {},
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
