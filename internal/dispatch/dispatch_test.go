package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fixengine/internal/codec"
	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

var sessionID = schema.SessionID{SenderCompID: "OMS", TargetCompID: "TRADER"}

type adminRecorder struct {
	calls []string
}

func (a *adminRecorder) record(name string) error {
	a.calls = append(a.calls, name)
	return nil
}

func (a *adminRecorder) OnLogon(*codec.Message) error         { return a.record("logon") }
func (a *adminRecorder) OnLogout(*codec.Message) error        { return a.record("logout") }
func (a *adminRecorder) OnHeartbeat(*codec.Message) error     { return a.record("heartbeat") }
func (a *adminRecorder) OnTestRequest(*codec.Message) error   { return a.record("test") }
func (a *adminRecorder) OnResendRequest(*codec.Message) error { return a.record("resend") }
func (a *adminRecorder) OnSequenceReset(*codec.Message) error { return a.record("reset") }
func (a *adminRecorder) OnReject(*codec.Message) error        { return a.record("reject") }

func order(seq uint64) *codec.Message {
	m := codec.New(codec.MsgTypeNewOrderSingle, codec.Field{Tag: 11, Value: "c1"})
	m.SeqNum = seq
	return m
}

func TestRegisterHandlerValidation(t *testing.T) {
	r := NewRouter()
	noop := HandlerFunc(func(schema.SessionID, *codec.Message) error { return nil })

	require.ErrorIs(t, r.RegisterHandler("", noop), exception.ErrDispatchEmptyMsgType)
	require.ErrorIs(t, r.RegisterHandler(codec.MsgTypeLogon, noop), exception.ErrDispatchReservedType)
	require.ErrorIs(t, r.RegisterHandler("D", nil), exception.ErrDispatchNilHandler)
	require.NoError(t, r.RegisterHandler("D", noop))

	_, ok := r.Lookup("D")
	require.True(t, ok)
	_, ok = r.Lookup("G")
	require.False(t, ok)

	r.SetFallback(noop)
	_, ok = r.Lookup("G")
	require.True(t, ok)
}

func TestDispatchApplicationExactlyOnce(t *testing.T) {
	r := NewRouter()
	var got []uint64
	require.NoError(t, r.RegisterHandler("D", HandlerFunc(func(id schema.SessionID, m *codec.Message) error {
		require.Equal(t, sessionID, id)
		got = append(got, m.SeqNum)
		return nil
	})))

	d := New(sessionID, r, &adminRecorder{})
	require.NoError(t, d.Dispatch(order(1)))
	require.NoError(t, d.Dispatch(order(2)))
	require.Equal(t, []uint64{1, 2}, got)
}

func TestDispatchAdminRouting(t *testing.T) {
	admin := &adminRecorder{}
	d := New(sessionID, NewRouter(), admin)

	for _, mt := range []string{
		codec.MsgTypeLogon, codec.MsgTypeHeartbeat, codec.MsgTypeTestRequest,
		codec.MsgTypeResendRequest, codec.MsgTypeReject, codec.MsgTypeSequenceReset, codec.MsgTypeLogout,
	} {
		require.NoError(t, d.Dispatch(codec.New(mt)))
	}
	require.Equal(t, []string{"logon", "heartbeat", "test", "resend", "reject", "reset", "logout"}, admin.calls)
}

func TestDispatchUnsupportedType(t *testing.T) {
	d := New(sessionID, NewRouter(), &adminRecorder{})
	err := d.Dispatch(order(7))

	var he *HandlerError
	require.ErrorAs(t, err, &he)
	require.Equal(t, codec.RejectInvalidMsgType, he.Reason)
	require.Equal(t, uint64(7), he.RefSeqNum)
	require.ErrorIs(t, err, exception.ErrDispatchNoHandler)
	require.True(t, errors.IsKind(err, errors.KindHandler))
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.RegisterHandler("D", HandlerFunc(func(schema.SessionID, *codec.Message) error {
		panic("boom")
	})))

	err := New(sessionID, r, &adminRecorder{}).Dispatch(order(3))
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	require.ErrorIs(t, err, exception.ErrDispatchHandlerPanic)
	require.Equal(t, codec.RejectOther, he.Reason)

	rej := he.Reject()
	require.Equal(t, codec.MsgTypeReject, rej.MsgType)
	ref, ok := rej.Uint(codec.TagRefSeqNum)
	require.True(t, ok)
	require.Equal(t, uint64(3), ref)
}

func TestDispatchHandlerChosenReason(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.RegisterHandler("D", HandlerFunc(func(schema.SessionID, *codec.Message) error {
		return Reject(codec.RejectRequiredTagMissing, 55, "Symbol missing")
	})))

	err := New(sessionID, r, &adminRecorder{}).Dispatch(order(4))
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	require.Equal(t, codec.RejectRequiredTagMissing, he.Reason)
	require.Equal(t, codec.Tag(55), he.RefTag)

	v, ok := he.Reject().Get(codec.TagRefTagID)
	require.True(t, ok)
	require.Equal(t, "55", v)
}
