package reconcile

import "fmt"

// Action is what the session does with an inbound sequence number.
type Action uint8

const (
	ActionNone Action = iota
	// ActionAccept delivers the message and advances the expected number.
	ActionAccept
	// ActionAcceptDuplicate logs an already processed retransmission.
	ActionAcceptDuplicate
	// ActionRequestResend holds the message and asks for the missing range.
	ActionRequestResend
	// ActionHold holds the message while a resend is already outstanding.
	ActionHold
	// ActionRejectAndDisconnect is a sequence number reused without PossDup.
	ActionRejectAndDisconnect
	// ActionReset moves the expected number to the reset value.
	ActionReset
	// ActionIgnore drops a reset received outside Active or Recovering.
	ActionIgnore
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionAcceptDuplicate:
		return "accept-duplicate"
	case ActionRequestResend:
		return "request-resend"
	case ActionHold:
		return "hold"
	case ActionRejectAndDisconnect:
		return "reject-and-disconnect"
	case ActionReset:
		return "reset"
	case ActionIgnore:
		return "ignore"
	default:
		return "none"
	}
}

// Range is an inclusive span of sequence numbers.
type Range struct {
	Begin uint64
	End   uint64
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Begin, r.End)
}

// Decision is the outcome for one observed sequence number.
type Decision struct {
	Action Action
	// Resend is set for ActionRequestResend.
	Resend Range
	// Expected is the next expected number after the decision.
	Expected uint64
}

// Decide classifies observed against expected.
func Decide(expected, observed uint64, possDup bool) Decision {
	switch {
	case observed == expected:
		return Decision{Action: ActionAccept, Expected: expected + 1}
	case observed > expected:
		return Decision{
			Action:   ActionRequestResend,
			Resend:   Range{Begin: expected, End: observed - 1},
			Expected: expected,
		}
	case possDup:
		return Decision{Action: ActionAcceptDuplicate, Expected: expected}
	default:
		return Decision{Action: ActionRejectAndDisconnect, Expected: expected}
	}
}

// DecideReset handles SequenceReset without GapFill. It is honored only while
// the session is logged on.
func DecideReset(loggedOn bool, expected, newSeq uint64) Decision {
	if !loggedOn || newSeq == 0 {
		return Decision{Action: ActionIgnore, Expected: expected}
	}
	return Decision{Action: ActionReset, Expected: newSeq}
}
