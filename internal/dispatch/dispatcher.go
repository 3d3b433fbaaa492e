package dispatch

import (
	"fmt"

	"fixengine/internal/codec"
	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

// AdminHandler receives session-level messages. The session implements it.
type AdminHandler interface {
	OnLogon(m *codec.Message) error
	OnLogout(m *codec.Message) error
	OnHeartbeat(m *codec.Message) error
	OnTestRequest(m *codec.Message) error
	OnResendRequest(m *codec.Message) error
	OnSequenceReset(m *codec.Message) error
	OnReject(m *codec.Message) error
}

// HandlerError is an application failure to be answered with a Reject.
type HandlerError struct {
	RefSeqNum  uint64
	RefMsgType string
	RefTag     codec.Tag
	Reason     codec.RejectReason
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s seq %d: %v", e.RefMsgType, e.RefSeqNum, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Reject builds the Reject message answering e.
func (e *HandlerError) Reject() *codec.Message {
	return codec.NewReject(e.RefSeqNum, e.RefMsgType, e.RefTag, e.Reason, e.Err.Error())
}

// Dispatcher routes one session's accepted messages.
type Dispatcher struct {
	id     schema.SessionID
	router *Router
	admin  AdminHandler
}

func New(id schema.SessionID, router *Router, admin AdminHandler) *Dispatcher {
	return &Dispatcher{id: id, router: router, admin: admin}
}

// Dispatch delivers m exactly once. Session-level types go to the admin
// handler; application failures come back as *HandlerError tagged KindHandler.
func (d *Dispatcher) Dispatch(m *codec.Message) error {
	if m.IsAdmin() {
		return d.dispatchAdmin(m)
	}

	h, ok := d.router.Lookup(m.MsgType)
	if !ok {
		return errors.WithKind(&HandlerError{
			RefSeqNum:  m.SeqNum,
			RefMsgType: m.MsgType,
			RefTag:     codec.TagMsgType,
			Reason:     codec.RejectInvalidMsgType,
			Err:        exception.ErrDispatchNoHandler,
		}, errors.KindHandler)
	}

	if err := d.invoke(h, m); err != nil {
		he := &HandlerError{
			RefSeqNum:  m.SeqNum,
			RefMsgType: m.MsgType,
			Reason:     codec.RejectOther,
			Err:        err,
		}
		var re *RejectError
		if errors.As(err, &re) {
			he.Reason, he.RefTag = re.Reason, re.Tag
		}
		return errors.WithKind(he, errors.KindHandler)
	}
	return nil
}

func (d *Dispatcher) invoke(h Handler, m *codec.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(exception.ErrDispatchHandlerPanic, fmt.Sprint(r))
		}
	}()
	return h.OnMessage(d.id, m)
}

func (d *Dispatcher) dispatchAdmin(m *codec.Message) error {
	if d.admin == nil {
		return exception.ErrNilInstance
	}
	switch m.MsgType {
	case codec.MsgTypeLogon:
		return d.admin.OnLogon(m)
	case codec.MsgTypeLogout:
		return d.admin.OnLogout(m)
	case codec.MsgTypeHeartbeat:
		return d.admin.OnHeartbeat(m)
	case codec.MsgTypeTestRequest:
		return d.admin.OnTestRequest(m)
	case codec.MsgTypeResendRequest:
		return d.admin.OnResendRequest(m)
	case codec.MsgTypeSequenceReset:
		return d.admin.OnSequenceReset(m)
	case codec.MsgTypeReject:
		return d.admin.OnReject(m)
	}
	return exception.ErrDispatchReservedType
}
