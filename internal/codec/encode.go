package codec

import (
	"strings"
	"sync"
	"time"

	"fixengine/internal/errors"
	"fixengine/pkg/exception"
	"fixengine/pkg/scanner"
)

// TimestampLayout is the UTCTimestamp format written on the wire.
const TimestampLayout = "20060102-15:04:05.000"

const parseLayout = "20060102-15:04:05"

var bodyPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 512)
		return &buf
	},
}

// Encode appends the framed wire form of m to dst.
func Encode(dst []byte, m *Message) ([]byte, error) {
	if m == nil {
		return dst, exception.ErrNilInstance
	}
	if !strings.HasPrefix(m.BeginString, "FIX") || strings.IndexByte(m.BeginString, scanner.SOH) >= 0 {
		return dst, exception.ErrCodecBadBeginString
	}
	if m.MsgType == "" {
		return dst, exception.ErrCodecEmptyMsgType
	}
	if err := validateValue(m.MsgType, m.SenderCompID, m.TargetCompID); err != nil {
		return dst, errors.Wrap(err, "header")
	}

	bp := bodyPool.Get().(*[]byte)
	body := (*bp)[:0]
	defer func() {
		*bp = body[:0]
		bodyPool.Put(bp)
	}()

	body = appendField(body, TagMsgType, m.MsgType)
	body = appendField(body, TagSenderCompID, m.SenderCompID)
	body = appendField(body, TagTargetCompID, m.TargetCompID)
	body = appendUintField(body, TagMsgSeqNum, m.SeqNum)
	if m.PossDup {
		body = appendField(body, TagPossDupFlag, "Y")
	}
	if m.PossResend {
		body = appendField(body, TagPossResend, "Y")
	}
	body = appendTimeField(body, TagSendingTime, m.SendingTime)
	if !m.OrigSendingTime.IsZero() {
		body = appendTimeField(body, TagOrigSendingTime, m.OrigSendingTime)
	}
	for _, f := range m.Fields {
		if f.Tag <= 0 {
			return dst, errors.Wrap(exception.ErrCodecBadField, "tag "+f.Tag.String())
		}
		if IsHeaderTag(f.Tag) {
			return dst, errors.Wrap(exception.ErrCodecReservedTag, "tag "+f.Tag.String())
		}
		if err := validateValue(f.Value); err != nil {
			return dst, errors.Wrap(err, "tag "+f.Tag.String())
		}
		body = appendField(body, f.Tag, f.Value)
	}

	start := len(dst)
	dst = appendField(dst, TagBeginString, m.BeginString)
	dst = appendUintField(dst, TagBodyLength, uint64(len(body)))
	dst = append(dst, body...)
	sum := scanner.Checksum(dst[start:])
	dst = append(dst, '1', '0', '=', '0'+sum/100, '0'+(sum/10)%10, '0'+sum%10, scanner.SOH)
	return dst, nil
}

func validateValue(values ...string) error {
	for _, v := range values {
		if v == "" || strings.IndexByte(v, scanner.SOH) >= 0 {
			return exception.ErrCodecBadField
		}
	}
	return nil
}

func appendTag(dst []byte, tag Tag) []byte {
	dst = scanner.AppendUint(dst, uint64(tag))
	return append(dst, '=')
}

func appendField(dst []byte, tag Tag, value string) []byte {
	dst = appendTag(dst, tag)
	dst = append(dst, value...)
	return append(dst, scanner.SOH)
}

func appendUintField(dst []byte, tag Tag, v uint64) []byte {
	dst = appendTag(dst, tag)
	dst = scanner.AppendUint(dst, v)
	return append(dst, scanner.SOH)
}

func appendTimeField(dst []byte, tag Tag, t time.Time) []byte {
	dst = appendTag(dst, tag)
	dst = t.UTC().AppendFormat(dst, TimestampLayout)
	return append(dst, scanner.SOH)
}

// FormatTime renders t as a wire UTCTimestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime parses a wire UTCTimestamp with optional fractional seconds.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(parseLayout, s, time.UTC)
}

// Printable renders a frame with '|' in place of SOH for logs.
func Printable(raw []byte) string {
	b := make([]byte, len(raw))
	for i, c := range raw {
		if c == scanner.SOH {
			c = '|'
		}
		b[i] = c
	}
	return string(b)
}
