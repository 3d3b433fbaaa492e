package codec

import "strconv"

// Tag is a FIX field number.
type Tag int

func (t Tag) String() string {
	return strconv.Itoa(int(t))
}

// Standard header and trailer tags.
const (
	TagBeginString     Tag = 8
	TagBodyLength      Tag = 9
	TagCheckSum        Tag = 10
	TagMsgSeqNum       Tag = 34
	TagMsgType         Tag = 35
	TagPossDupFlag     Tag = 43
	TagSenderCompID    Tag = 49
	TagSendingTime     Tag = 52
	TagTargetCompID    Tag = 56
	TagPossResend      Tag = 97
	TagOrigSendingTime Tag = 122
)

// Session-level body tags.
const (
	TagBeginSeqNo            Tag = 7
	TagEndSeqNo              Tag = 16
	TagNewSeqNo              Tag = 36
	TagRefSeqNum             Tag = 45
	TagText                  Tag = 58
	TagEncryptMethod         Tag = 98
	TagHeartBtInt            Tag = 108
	TagTestReqID             Tag = 112
	TagGapFillFlag           Tag = 123
	TagResetSeqNumFlag       Tag = 141
	TagRefTagID              Tag = 371
	TagRefMsgType            Tag = 372
	TagSessionRejectReason   Tag = 373
	TagUsername              Tag = 553
	TagPassword              Tag = 554
	TagNextExpectedMsgSeqNum Tag = 789
)

// IsHeaderTag reports tags carried by typed Message fields.
func IsHeaderTag(tag Tag) bool {
	switch tag {
	case TagBeginString, TagBodyLength, TagCheckSum, TagMsgSeqNum, TagMsgType,
		TagPossDupFlag, TagSenderCompID, TagSendingTime, TagTargetCompID,
		TagPossResend, TagOrigSendingTime:
		return true
	}
	return false
}

// Message types reserved for the session layer.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
)

// Common application message types.
const (
	MsgTypeExecutionReport = "8"
	MsgTypeNewOrderSingle  = "D"
)

// IsAdmin reports whether msgType is a session-level message type.
func IsAdmin(msgType string) bool {
	switch msgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeReject,
		MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// RejectReason is the SessionRejectReason(373) value.
type RejectReason int

const (
	RejectInvalidTagNumber      RejectReason = 0
	RejectRequiredTagMissing    RejectReason = 1
	RejectTagNotDefined         RejectReason = 2
	RejectUndefinedTag          RejectReason = 3
	RejectTagWithoutValue       RejectReason = 4
	RejectValueIncorrect        RejectReason = 5
	RejectIncorrectDataFormat   RejectReason = 6
	RejectCompIDProblem         RejectReason = 9
	RejectSendingTimeAccuracy   RejectReason = 10
	RejectInvalidMsgType        RejectReason = 11
	RejectTagAppearsMoreThanOne RejectReason = 13
	RejectOther                 RejectReason = 99
)
