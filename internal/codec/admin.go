package codec

import (
	"strconv"
	"time"
)

// NewLogon builds a Logon with EncryptMethod=0 and the heartbeat interval in
// whole seconds.
func NewLogon(heartbeat time.Duration, resetSeqNum bool) *Message {
	m := New(MsgTypeLogon,
		Field{Tag: TagEncryptMethod, Value: "0"},
		Field{Tag: TagHeartBtInt, Value: strconv.Itoa(int(heartbeat / time.Second))},
	)
	if resetSeqNum {
		m.SetBool(TagResetSeqNumFlag, true)
	}
	return m
}

func NewLogout(text string) *Message {
	m := New(MsgTypeLogout)
	if text != "" {
		m.Set(TagText, text)
	}
	return m
}

// NewHeartbeat builds a Heartbeat, echoing testReqID when answering a TestRequest.
func NewHeartbeat(testReqID string) *Message {
	m := New(MsgTypeHeartbeat)
	if testReqID != "" {
		m.Set(TagTestReqID, testReqID)
	}
	return m
}

func NewTestRequest(testReqID string) *Message {
	return New(MsgTypeTestRequest, Field{Tag: TagTestReqID, Value: testReqID})
}

// NewResendRequest asks for [begin, end]. end == 0 means through the last sent.
func NewResendRequest(begin, end uint64) *Message {
	return New(MsgTypeResendRequest,
		Field{Tag: TagBeginSeqNo, Value: strconv.FormatUint(begin, 10)},
		Field{Tag: TagEndSeqNo, Value: strconv.FormatUint(end, 10)},
	)
}

// NewSequenceReset builds a SequenceReset. With gapFill the message is sent
// in place of skipped sequence numbers and carries PossDup.
func NewSequenceReset(newSeqNo uint64, gapFill bool) *Message {
	m := New(MsgTypeSequenceReset)
	if gapFill {
		m.SetBool(TagGapFillFlag, true)
		m.PossDup = true
	}
	m.SetUint(TagNewSeqNo, newSeqNo)
	return m
}

// NewReject builds a session-level Reject referencing refSeqNum.
func NewReject(refSeqNum uint64, refMsgType string, refTag Tag, reason RejectReason, text string) *Message {
	m := New(MsgTypeReject)
	m.SetUint(TagRefSeqNum, refSeqNum)
	if refTag > 0 {
		m.Set(TagRefTagID, refTag.String())
	}
	if refMsgType != "" {
		m.Set(TagRefMsgType, refMsgType)
	}
	m.Set(TagSessionRejectReason, strconv.Itoa(int(reason)))
	if text != "" {
		m.Set(TagText, text)
	}
	return m
}
