// Package transfer negotiates and runs DCC file transfers.
//
// A Manager owns every transfer record, the port allocator and the timeout
// scheduler. Each record is driven by its own negotiation, which applies the
// auto-accept policy, sets up the connection for its role and mode, and hands
// the socket to a file.Session once connected.
package transfer

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/furydcc/file"
)

var (
	// ErrNotFound is returned for an unknown transfer ID.
	ErrNotFound = errors.New("transfer not found")
	// ErrInvalidState is returned when a decision is not allowed in the current state.
	ErrInvalidState = errors.New("invalid transfer state")
	// ErrMissingDestination is returned by Accept when no save path can be resolved.
	ErrMissingDestination = errors.New("missing destination")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("transfer manager closed")
)

// ID identifies a transfer. IDs are never reused.
type ID string

func newID() ID {
	return ID(uuid.New().String())
}

// ParseID validates s as a transfer ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return ID(u.String()), nil
}

// Role is fixed for the lifetime of a transfer.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Mode is the mode declared by the sender when it made the offer. Both ends
// of a transfer record the same mode.
type Mode string

const (
	// ModeActive means the sender listens and the receiver dials.
	ModeActive Mode = "active"
	// ModePassive means the receiver listens and the sender dials.
	ModePassive Mode = "passive"
)

// IsListener reports whether the local side binds a port for a transfer
// with the given role and mode. Exactly one end of every transfer listens.
func IsListener(role Role, mode Mode) bool {
	return (role == RoleSender && mode == ModeActive) ||
		(role == RoleReceiver && mode == ModePassive)
}

// State is the negotiation state of a transfer. States are ordered and a
// transfer only ever moves forward.
type State int

const (
	StatePending State = iota
	StateAwaitingAccept
	StateConnecting
	StateTransferring
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
)

var stateNames = map[State]string{
	StatePending:        "pending",
	StateAwaitingAccept: "awaiting_accept",
	StateConnecting:     "connecting",
	StateTransferring:   "transferring",
	StateCompleted:      "completed",
	StateFailed:         "failed",
	StateCancelled:      "cancelled",
	StateTimedOut:       "timed_out",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return errors.New("unknown transfer state " + string(text))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// canTransition enforces forward-only movement out of non-terminal states.
func canTransition(from, to State) bool {
	return !from.Terminal() && to > from
}

// Reason qualifies StateFailed.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonNoPortAvailable       Reason = "no_port_available"
	ReasonConnectFailed         Reason = "connect_failed"
	ReasonIO                    Reason = "io_error"
	ReasonTruncated             Reason = "truncated"
	ReasonDestinationUnwritable Reason = "destination_unwritable"
)

// Remote identifies the other participant.
type Remote struct {
	Nick     string `json:"nick"`
	Hostmask string `json:"hostmask"`
}

// Record is a snapshot of one transfer.
type Record struct {
	ID        ID            `json:"id"`
	Role      Role          `json:"role"`
	Mode      Mode          `json:"mode"`
	Remote    Remote        `json:"remote"`
	FileName  string        `json:"file_name"`
	Size      uint64        `json:"size"`
	SavePath  string        `json:"save_path,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	State     State         `json:"state"`
	Reason    Reason        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	Progress  file.Progress `json:"progress"`
	// LocalPort is the leased port while this side listens.
	LocalPort uint16 `json:"local_port,omitempty"`
}

// EventKind classifies events.
type EventKind string

const (
	// EventOffered is published when an inbound offer needs a local decision.
	EventOffered EventKind = "offered"
	// EventState is published on every state transition.
	EventState EventKind = "state"
	// EventProgress is published while bytes are moving.
	EventProgress EventKind = "progress"
)

// Event carries a snapshot of the transfer taken when it was published.
type Event struct {
	Kind     EventKind `json:"kind"`
	Transfer Record    `json:"transfer"`
	Time     time.Time `json:"time"`
}
