package session

import (
	"context"

	"github.com/looplab/fsm"

	"fixengine/internal/errors"
	"fixengine/pkg/exception"
)

// Lifecycle states.
const (
	StateDisconnected  = "Disconnected"
	StateLogonPending  = "LogonPending"
	StateActive        = "Active"
	StateRecovering    = "Recovering"
	StateLogoutPending = "LogoutPending"
)

const (
	eventConnect    = "connect"
	eventLogon      = "logon"
	eventGap        = "gap"
	eventFilled     = "filled"
	eventLogout     = "logout"
	eventDisconnect = "disconnect"
)

// Transition reasons reported to the application and the recorder.
const (
	ReasonConnect            = "Connect"
	ReasonLogon              = "Logon"
	ReasonLogonTimeout       = "LogonTimeout"
	ReasonLogonRejected      = "LogonRejected"
	ReasonLogout             = "Logout"
	ReasonLogoutTimeout      = "LogoutTimeout"
	ReasonTransport          = "Transport"
	ReasonHeartbeatTimeout   = "HeartbeatTimeout"
	ReasonMalformedThreshold = "MalformedThreshold"
	ReasonSequenceTooLow     = "SequenceTooLow"
	ReasonProtocol           = "Protocol"
	ReasonStoreFailure       = "StoreFailure"
	ReasonShutdown           = "Shutdown"
	ReasonGapDetected        = "GapDetected"
	ReasonGapFilled          = "GapFilled"
)

// causeKinds classifies the reasons a link is dropped on failure. Graceful
// reasons such as Logout and Shutdown have no kind.
var causeKinds = map[string]errors.Kind{
	ReasonTransport:          errors.KindTransient,
	ReasonLogonTimeout:       errors.KindHeartbeat,
	ReasonLogoutTimeout:      errors.KindHeartbeat,
	ReasonHeartbeatTimeout:   errors.KindHeartbeat,
	ReasonLogonRejected:      errors.KindProtocol,
	ReasonMalformedThreshold: errors.KindProtocol,
	ReasonSequenceTooLow:     errors.KindProtocol,
	ReasonProtocol:           errors.KindProtocol,
	ReasonStoreFailure:       errors.KindDurability,
}

// disconnectCause tags err, or ErrSessionDisconnected when err is nil, with
// the kind of reason. It returns nil for graceful reasons.
func disconnectCause(reason string, err error) error {
	kind, ok := causeKinds[reason]
	if !ok {
		return nil
	}
	if err == nil {
		err = exception.ErrSessionDisconnected
	}
	return errors.WithKind(errors.Wrap(err, reason), kind)
}

var lifecycleEvents = fsm.Events{
	{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateLogonPending},
	{Name: eventLogon, Src: []string{StateLogonPending}, Dst: StateActive},
	{Name: eventGap, Src: []string{StateActive}, Dst: StateRecovering},
	{Name: eventFilled, Src: []string{StateRecovering}, Dst: StateActive},
	{Name: eventLogout, Src: []string{StateActive, StateRecovering}, Dst: StateLogoutPending},
	{Name: eventDisconnect, Src: []string{StateLogonPending, StateActive, StateRecovering, StateLogoutPending}, Dst: StateDisconnected},
}

type transitionFunc func(from, to, reason string)

func newLifecycle(onTransition transitionFunc) *fsm.FSM {
	return fsm.NewFSM(StateDisconnected, lifecycleEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			reason := ""
			if len(e.Args) > 0 {
				reason, _ = e.Args[0].(string)
			}
			onTransition(e.Src, e.Dst, reason)
		},
	})
}

func loggedOn(state string) bool {
	return state == StateActive || state == StateRecovering
}
