package session

import "fmt"

// State is the authoritative session lifecycle position. Transitions only
// move forward along the graph; the sole retry path is a failed connect,
// which stays in StateIntro.
type State string

const (
	StateLoading           State = "loading"
	StateInvalid           State = "invalid"
	StateConsent           State = "consent"
	StatePermissions       State = "permissions"
	StatePermissionsDenied State = "permissions_denied"
	StateDeviceTest        State = "device_test"
	StateIntro             State = "intro"
	StateInterviewing      State = "interviewing"
	StateFinished          State = "finished"
)

// allowedTransitions is the forward-only state graph.
var allowedTransitions = map[State][]State{
	StateLoading:      {StateInvalid, StateConsent},
	StateConsent:      {StatePermissions, StateFinished},
	StatePermissions:  {StatePermissionsDenied, StateDeviceTest, StateFinished},
	StateDeviceTest:   {StateIntro, StateFinished},
	StateIntro:        {StateInterviewing, StateFinished},
	StateInterviewing: {StateFinished},
}

// Terminal reports whether no further transitions exist.
func (s State) Terminal() bool {
	return s == StateInvalid || s == StatePermissionsDenied || s == StateFinished
}

func canTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrBadTransition is returned when an operation is called in the wrong state.
type ErrBadTransition struct {
	From State
	To   State
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
