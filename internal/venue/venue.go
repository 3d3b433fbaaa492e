// Package venue is a minimal order-entry application: it acknowledges every
// valid NewOrderSingle and rejects the rest. There is no matching.
package venue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"fixengine/internal/codec"
	"fixengine/internal/dispatch"
	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

// Application message types.
const (
	MsgTypeNewOrderSingle     = "D"
	MsgTypeOrderCancelRequest = "F"
	MsgTypeExecutionReport    = "8"
	MsgTypeOrderCancelReject  = "9"
)

// Application tags.
const (
	TagAvgPx        codec.Tag = 6
	TagClOrdID      codec.Tag = 11
	TagCumQty       codec.Tag = 14
	TagExecID       codec.Tag = 17
	TagOrderID      codec.Tag = 37
	TagOrderQty     codec.Tag = 38
	TagOrdStatus    codec.Tag = 39
	TagOrdType      codec.Tag = 40
	TagOrigClOrdID  codec.Tag = 41
	TagPrice        codec.Tag = 44
	TagSide         codec.Tag = 54
	TagSymbol       codec.Tag = 55
	TagOrdRejReason codec.Tag = 103
	TagCxlRejReason codec.Tag = 102
	TagExecType     codec.Tag = 150
	TagLeavesQty    codec.Tag = 151
	TagCxlRejRespTo codec.Tag = 434
)

const (
	execNew      = "0"
	execRejected = "8"

	ordTypeMarket = "1"
	ordTypeLimit  = "2"

	rejectOther       = "99"
	cxlUnknownOrder   = "1"
	cxlRespToCancel   = "1"
	defaultReplyLimit = 5 * time.Second
)

// Sender submits an application message on a session.
type Sender interface {
	Send(ctx context.Context, m *codec.Message) (uint64, error)
}

// LookupFunc finds the session to answer on.
type LookupFunc func(id schema.SessionID) (Sender, bool)

// Venue answers order flow on every session it is registered for.
type Venue struct {
	name   string
	lookup LookupFunc
	seq    atomic.Uint64

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func New(name string, lookup LookupFunc) (*Venue, error) {
	if lookup == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "lookup")
	}
	return &Venue{name: name, lookup: lookup}, nil
}

// Register binds the venue's message types on r.
func (v *Venue) Register(r *dispatch.Router) error {
	if err := r.RegisterHandler(MsgTypeNewOrderSingle, dispatch.HandlerFunc(v.onNewOrder)); err != nil {
		return err
	}
	return r.RegisterHandler(MsgTypeOrderCancelRequest, dispatch.HandlerFunc(v.onCancel))
}

// OnMessage is reached for application types the venue does not handle.
func (v *Venue) OnMessage(id schema.SessionID, m *codec.Message) error {
	return dispatch.Reject(codec.RejectInvalidMsgType, codec.TagMsgType, "unsupported message type "+m.MsgType)
}

func (v *Venue) OnSessionStateChange(id schema.SessionID, from, to, reason string) {
	logs.Infof("%s: %s %s -> %s (%s)", v.name, id, from, to, reason)
}

// Counts returns how many orders were acknowledged and rejected.
func (v *Venue) Counts() (accepted, rejected uint64) {
	return v.accepted.Load(), v.rejected.Load()
}

type order struct {
	clOrdID string
	symbol  string
	side    string
	ordType string
	qty     decimal.Decimal
	price   decimal.Decimal
}

func (v *Venue) onNewOrder(id schema.SessionID, m *codec.Message) error {
	o, reason, err := parseOrder(m)
	if err != nil {
		return err
	}

	report := v.executionReport(o)
	if reason != "" {
		v.rejected.Add(1)
		report.Set(TagExecType, execRejected).
			Set(TagOrdStatus, execRejected).
			Set(TagLeavesQty, "0").
			Set(TagOrdRejReason, rejectOther).
			Set(codec.TagText, reason)
		logs.Infof("%s: %s order %s rejected: %s", v.name, id, o.clOrdID, reason)
	} else {
		v.accepted.Add(1)
		report.Set(TagExecType, execNew).
			Set(TagOrdStatus, execNew).
			Set(TagLeavesQty, o.qty.String())
	}
	return v.reply(id, report)
}

func (v *Venue) onCancel(id schema.SessionID, m *codec.Message) error {
	clOrdID, ok := m.Get(TagClOrdID)
	if !ok || clOrdID == "" {
		return dispatch.Reject(codec.RejectRequiredTagMissing, TagClOrdID, "ClOrdID missing")
	}
	orig, _ := m.Get(TagOrigClOrdID)
	if orig == "" {
		orig = "NONE"
	}
	reply := codec.New(MsgTypeOrderCancelReject).
		Set(TagOrderID, "NONE").
		Set(TagClOrdID, clOrdID).
		Set(TagOrigClOrdID, orig).
		Set(TagOrdStatus, execRejected).
		Set(TagCxlRejRespTo, cxlRespToCancel).
		Set(TagCxlRejReason, cxlUnknownOrder).
		Set(codec.TagText, "no resting orders")
	return v.reply(id, reply)
}

func (v *Venue) executionReport(o order) *codec.Message {
	orderID := v.name + "-" + strconv.FormatUint(v.seq.Add(1), 10)
	m := codec.New(MsgTypeExecutionReport).
		Set(TagOrderID, orderID).
		Set(TagClOrdID, o.clOrdID).
		Set(TagExecID, uuid.NewString()).
		Set(TagSymbol, o.symbol).
		Set(TagSide, o.side).
		Set(TagOrderQty, o.qty.String()).
		Set(TagCumQty, "0").
		Set(TagAvgPx, "0")
	if o.ordType == ordTypeLimit {
		m.Set(TagPrice, o.price.String())
	}
	return m
}

func (v *Venue) reply(id schema.SessionID, m *codec.Message) error {
	s, ok := v.lookup(id)
	if !ok {
		return errors.Wrap(exception.ErrSessionUnknown, id.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultReplyLimit)
	defer cancel()
	_, err := s.Send(ctx, m)
	return err
}

// parseOrder returns a business rejection reason for orders that are well
// formed but unacceptable, and a session Reject for missing or garbled fields.
func parseOrder(m *codec.Message) (order, string, error) {
	var o order
	var ok bool
	if o.clOrdID, ok = m.Get(TagClOrdID); !ok || o.clOrdID == "" {
		return o, "", dispatch.Reject(codec.RejectRequiredTagMissing, TagClOrdID, "ClOrdID missing")
	}
	if o.symbol, ok = m.Get(TagSymbol); !ok || o.symbol == "" {
		return o, "", dispatch.Reject(codec.RejectRequiredTagMissing, TagSymbol, "Symbol missing")
	}
	if o.side, ok = m.Get(TagSide); !ok || o.side == "" {
		return o, "", dispatch.Reject(codec.RejectRequiredTagMissing, TagSide, "Side missing")
	}
	o.ordType, _ = m.Get(TagOrdType)
	if o.ordType == "" {
		o.ordType = ordTypeLimit
	}

	raw, ok := m.Get(TagOrderQty)
	if !ok {
		return o, "", dispatch.Reject(codec.RejectRequiredTagMissing, TagOrderQty, "OrderQty missing")
	}
	qty, err := decimal.NewFromString(raw)
	if err != nil {
		return o, "", dispatch.Reject(codec.RejectIncorrectDataFormat, TagOrderQty, "OrderQty "+raw)
	}
	o.qty = qty

	switch o.ordType {
	case ordTypeMarket:
	case ordTypeLimit:
		raw, ok := m.Get(TagPrice)
		if !ok {
			return o, "", dispatch.Reject(codec.RejectRequiredTagMissing, TagPrice, "Price missing")
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return o, "", dispatch.Reject(codec.RejectIncorrectDataFormat, TagPrice, "Price "+raw)
		}
		o.price = price
		if !price.IsPositive() {
			return o, "price must be positive", nil
		}
	default:
		return o, "unsupported order type " + o.ordType, nil
	}

	if !qty.IsPositive() {
		return o, "quantity must be positive", nil
	}
	return o, "", nil
}
