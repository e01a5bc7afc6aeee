package withdrawal

import "fmt"

// State is the orchestrator's position in the withdrawal lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateAuthorizing
	StateEstimating
	StateAwaitingConfirmation
	StateSubmitting
	StatePending
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizing:
		return "authorizing"
	case StateEstimating:
		return "estimating"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateSubmitting:
		return "submitting"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

type event uint8

const (
	evPrepare event = iota + 1
	evAuthorized
	evEstimated
	evConfirm
	evBroadcast
	evMined
	evFail
	evAbort
	evRetry
	evEdit
	evDismiss
)

func (e event) String() string {
	switch e {
	case evPrepare:
		return "prepare"
	case evAuthorized:
		return "authorized"
	case evEstimated:
		return "estimated"
	case evConfirm:
		return "confirm"
	case evBroadcast:
		return "broadcast"
	case evMined:
		return "mined"
	case evFail:
		return "fail"
	case evAbort:
		return "abort"
	case evRetry:
		return "retry"
	case evEdit:
		return "edit"
	case evDismiss:
		return "dismiss"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// transition returns the state reached from s on ev.
func transition(s State, ev event) (State, error) {
	switch ev {
	case evDismiss:
		return StateIdle, nil
	case evPrepare:
		switch s {
		case StateIdle, StateAwaitingConfirmation, StateConfirmed, StateFailed:
			return StateAuthorizing, nil
		}
	case evAuthorized:
		if s == StateAuthorizing {
			return StateEstimating, nil
		}
	case evEstimated:
		if s == StateEstimating {
			return StateAwaitingConfirmation, nil
		}
	case evConfirm:
		if s == StateAwaitingConfirmation {
			return StateSubmitting, nil
		}
	case evBroadcast:
		if s == StateSubmitting {
			return StatePending, nil
		}
	case evMined:
		if s == StatePending {
			return StateConfirmed, nil
		}
	case evFail:
		switch s {
		case StateAuthorizing, StateEstimating, StateAwaitingConfirmation, StateSubmitting, StatePending:
			return StateFailed, nil
		}
	case evAbort:
		switch s {
		case StateAuthorizing, StateEstimating:
			return StateIdle, nil
		}
	case evRetry:
		if s == StateFailed {
			return StateAuthorizing, nil
		}
	case evEdit:
		switch s {
		case StateIdle, StateAwaitingConfirmation, StateConfirmed, StateFailed:
			return StateIdle, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}
