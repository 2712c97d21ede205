package models

import "time"

// Status is the lifecycle state of a ConnectionRequest.
type Status string

const (
	StatusRequested       Status = "Requested"
	StatusPendingApproval Status = "PendingApproval"
	StatusApproved        Status = "Approved"
	StatusConnecting      Status = "Connecting"
	StatusConnected       Status = "Connected"
	StatusEnded           Status = "Ended"
	StatusRejected        Status = "Rejected"
	StatusExpired         Status = "Expired"
	StatusError           Status = "Error"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusRequested: {
		StatusPendingApproval: {},
		StatusError:           {},
		StatusEnded:           {},
	},
	StatusPendingApproval: {
		StatusApproved: {},
		StatusRejected: {},
		StatusExpired:  {},
		StatusError:    {},
		StatusEnded:    {},
	},
	StatusApproved: {
		StatusConnecting: {},
		StatusConnected:  {},
		StatusError:      {},
		StatusEnded:      {},
	},
	StatusConnecting: {
		StatusConnected: {},
		StatusError:     {},
		StatusEnded:     {},
	},
	StatusConnected: {
		StatusEnded: {},
		StatusError: {},
	},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusEnded, StatusExpired, StatusError:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusPendingApproval, StatusApproved, StatusConnecting,
		StatusConnected, StatusEnded, StatusRejected, StatusExpired, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}

	_, ok = next[to]

	return ok
}

// ConnectionRequest is the audit record of one access attempt. Records are
// never deleted, only stamped terminal.
type ConnectionRequest struct {
	ID            string     `json:"request_id"`
	TargetCode    DeviceCode `json:"target_device_code"`
	RequesterID   string     `json:"requester_id,omitempty"`
	RequesterName string     `json:"requester_name,omitempty"`
	RequesterIP   string     `json:"requester_ip,omitempty"`
	Status        Status     `json:"status"`
	Endpoint      string     `json:"endpoint,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	EndReason     string     `json:"end_reason,omitempty"`
}

// Transition describes one guarded status change. Only fields that are set
// are written.
type Transition struct {
	From         []Status
	To           Status
	At           time.Time
	Endpoint     string
	EndReason    string
	StampApprove bool
	StampConnect bool
	StampEnd     bool
}
