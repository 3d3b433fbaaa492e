package dispatch

import (
	"fmt"
	"sync"

	"fixengine/internal/codec"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

// Handler consumes accepted application messages.
type Handler interface {
	OnMessage(id schema.SessionID, m *codec.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(id schema.SessionID, m *codec.Message) error

func (f HandlerFunc) OnMessage(id schema.SessionID, m *codec.Message) error {
	return f(id, m)
}

// Application is the business logic behind a session.
type Application interface {
	Handler
	OnSessionStateChange(id schema.SessionID, from, to, reason string)
}

// RejectError lets a handler choose the SessionRejectReason sent to the peer.
type RejectError struct {
	Reason codec.RejectReason
	Tag    codec.Tag
	Text   string
}

func (e *RejectError) Error() string {
	if e.Tag > 0 {
		return fmt.Sprintf("reject reason %d tag %d: %s", e.Reason, e.Tag, e.Text)
	}
	return fmt.Sprintf("reject reason %d: %s", e.Reason, e.Text)
}

// Reject builds a RejectError.
func Reject(reason codec.RejectReason, tag codec.Tag, text string) error {
	return &RejectError{Reason: reason, Tag: tag, Text: text}
}

// Router maps application MsgTypes to handlers. It is safe for concurrent use
// and can be shared by several sessions.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// RegisterHandler binds msgType to h, replacing any earlier binding.
// Session-level types cannot be registered.
func (r *Router) RegisterHandler(msgType string, h Handler) error {
	switch {
	case msgType == "":
		return exception.ErrDispatchEmptyMsgType
	case codec.IsAdmin(msgType):
		return exception.ErrDispatchReservedType
	case h == nil:
		return exception.ErrDispatchNilHandler
	}
	r.mu.Lock()
	r.handlers[msgType] = h
	r.mu.Unlock()
	return nil
}

// SetFallback handles every application type without its own handler.
func (r *Router) SetFallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

func (r *Router) Lookup(msgType string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[msgType]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}
