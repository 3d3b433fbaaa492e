package codec

import (
	"fmt"

	"fixengine/internal/errors"
	"fixengine/pkg/exception"
	"fixengine/pkg/scanner"
)

// DefaultMaxFrameSize bounds a single frame.
const DefaultMaxFrameSize = 1 << 20

// maxPreambleSize bounds the 8= and 9= fields before BodyLength is known.
const maxPreambleSize = 64

// trailerSize is len("10=ccc\x01").
const trailerSize = 7

var (
	// ErrIncomplete means more bytes are needed before a frame can be yielded.
	ErrIncomplete = exception.ErrCodecIncomplete

	frameStart    = []byte("8=FIX")
	checksumField = []byte("\x0110=")
)

// MalformedError carries the bytes that were discarded as an invalid frame.
type MalformedError struct {
	Raw []byte
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed frame: %v: %s", e.Err, Printable(e.Raw))
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// SeqNum scans MsgSeqNum out of the raw bytes when it is readable.
func (e *MalformedError) SeqNum() (uint64, bool) {
	idx := scanner.IndexOf(e.Raw, []byte("\x0134="))
	if idx < 0 {
		return 0, false
	}
	_, value, _, ok := scanner.NextField(e.Raw, idx+1)
	if !ok {
		return 0, false
	}
	return scanner.ParseUint(value)
}

// FieldError reports a checksum-valid frame whose header is unusable. The
// partially decoded message is returned alongside it.
type FieldError struct {
	Tag    Tag
	Reason RejectReason
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %d: %v", e.Tag, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Decoder splits a byte stream into frames. It is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	off      int
	maxFrame int
}

// NewDecoder creates a decoder. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: maxFrame}
}

// Feed appends bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Reset drops all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

// Next yields the next frame. It returns ErrIncomplete when more bytes are
// needed and *MalformedError when bytes were discarded. A *FieldError comes
// with a non-nil message and frame.
func (d *Decoder) Next() (*Message, []byte, error) {
	return d.scan(true)
}

// Peek is Next without consuming a valid frame. Malformed bytes are still
// discarded.
func (d *Decoder) Peek() (*Message, []byte, error) {
	return d.scan(false)
}

func (d *Decoder) scan(consume bool) (*Message, []byte, error) {
	if d.maxFrame <= 0 {
		d.maxFrame = DefaultMaxFrameSize
	}
	data := d.buf[d.off:]
	if len(data) == 0 {
		return nil, nil, ErrIncomplete
	}

	if !scanner.HasPrefix(data, frameStart) {
		if len(data) < len(frameStart) && scanner.HasPrefix(frameStart, data) {
			return nil, nil, ErrIncomplete
		}
		return nil, nil, d.discardGarbage(data)
	}

	tag, _, next, ok := scanner.NextField(data, 0)
	if next < 0 {
		if len(data) > maxPreambleSize {
			return nil, nil, d.resync(data, exception.ErrCodecBadBeginString)
		}
		return nil, nil, ErrIncomplete
	}
	if !ok || tag != int(TagBeginString) {
		return nil, nil, d.resync(data, exception.ErrCodecBadBeginString)
	}

	tag, value, bodyStart, ok := scanner.NextField(data, next)
	if bodyStart < 0 {
		if len(data) > maxPreambleSize {
			return nil, nil, d.resync(data, exception.ErrCodecBadBodyLength)
		}
		return nil, nil, ErrIncomplete
	}
	if !ok || tag != int(TagBodyLength) {
		return nil, nil, d.resync(data, exception.ErrCodecBadBodyLength)
	}
	bodyLen, ok := scanner.ParseUint(value)
	if !ok {
		return nil, nil, d.resync(data, exception.ErrCodecBadBodyLength)
	}
	if bodyLen > uint64(d.maxFrame) || bodyStart+int(bodyLen)+trailerSize > d.maxFrame {
		return nil, nil, d.resync(data, exception.ErrCodecFrameTooLarge)
	}

	trailer := bodyStart + int(bodyLen)
	total := trailer + trailerSize
	if cs := checksumFieldAt(data, bodyStart); cs >= 0 && cs != trailer {
		return nil, nil, d.resync(data, exception.ErrCodecBadBodyLength)
	}
	if len(data) < total {
		return nil, nil, ErrIncomplete
	}
	if data[trailer] != '1' || data[trailer+1] != '0' || data[trailer+2] != '=' || data[total-1] != scanner.SOH {
		return nil, nil, d.resync(data, exception.ErrCodecBadTrailer)
	}
	want, ok := scanner.ParseUint(data[trailer+3 : total-1])
	if !ok {
		return nil, nil, d.resync(data, exception.ErrCodecBadTrailer)
	}
	if uint64(scanner.Checksum(data[:trailer])) != want {
		return nil, nil, d.discard(total, exception.ErrCodecChecksum)
	}

	frame := append([]byte(nil), data[:total]...)
	msg, err := parse(frame, bodyStart, trailer)
	if err != nil {
		var fe *FieldError
		if !errors.As(err, &fe) {
			return nil, nil, d.discard(total, err)
		}
	}
	if consume {
		d.off += total
	}
	return msg, frame, err
}

// checksumFieldAt locates the first CheckSum field at or after bodyStart.
func checksumFieldAt(data []byte, bodyStart int) int {
	idx := scanner.IndexOfFrom(data, checksumField, bodyStart-1)
	if idx < 0 {
		return -1
	}
	return idx + 1
}

// discard drops n bytes as one malformed frame.
func (d *Decoder) discard(n int, cause error) error {
	raw := append([]byte(nil), d.buf[d.off:d.off+n]...)
	d.off += n
	return &MalformedError{Raw: raw, Err: cause}
}

// resync drops bytes up to the next frame start after the current one.
func (d *Decoder) resync(data []byte, cause error) error {
	next := scanner.IndexOfFrom(data, frameStart, 1)
	if next < 0 {
		next = len(data) - keepTail(data)
		if next == 0 {
			next = len(data)
		}
	}
	return d.discard(next, cause)
}

func (d *Decoder) discardGarbage(data []byte) error {
	next := scanner.IndexOf(data, frameStart)
	if next < 0 {
		next = len(data) - keepTail(data)
	}
	if next == 0 {
		return ErrIncomplete
	}
	return d.discard(next, exception.ErrCodecGarbage)
}

// keepTail returns how many trailing bytes could begin a frame start.
func keepTail(data []byte) int {
	for n := len(frameStart) - 1; n > 0; n-- {
		if len(data) >= n && scanner.HasPrefix(frameStart, data[len(data)-n:]) {
			return n
		}
	}
	return 0
}

func parse(frame []byte, bodyStart, trailer int) (*Message, error) {
	m := &Message{}
	_, value, _, _ := scanner.NextField(frame, 0)
	m.BeginString = string(value)

	var (
		fieldErr                              *FieldError
		seenType, seenSeq, seenSend, seenTime bool
		seenTarget                            bool
	)
	setErr := func(tag Tag, reason RejectReason, cause error) {
		if fieldErr == nil {
			fieldErr = &FieldError{Tag: tag, Reason: reason, Err: cause}
		}
	}

	for off := bodyStart; off < trailer; {
		tag, value, next, ok := scanner.NextField(frame[:trailer], off)
		if !ok {
			return nil, exception.ErrCodecBadField
		}
		off = next
		if tag <= 0 {
			return nil, exception.ErrCodecBadField
		}
		if len(value) == 0 {
			setErr(Tag(tag), RejectTagWithoutValue, exception.ErrCodecBadField)
			continue
		}
		switch Tag(tag) {
		case TagMsgType:
			m.MsgType, seenType = string(value), true
		case TagSenderCompID:
			m.SenderCompID, seenSend = string(value), true
		case TagTargetCompID:
			m.TargetCompID, seenTarget = string(value), true
		case TagMsgSeqNum:
			seq, ok := scanner.ParseUint(value)
			if !ok || seq == 0 {
				setErr(TagMsgSeqNum, RejectIncorrectDataFormat, exception.ErrCodecBadField)
				continue
			}
			m.SeqNum, seenSeq = seq, true
		case TagPossDupFlag:
			b, ok := parseBool(value)
			if !ok {
				setErr(TagPossDupFlag, RejectValueIncorrect, exception.ErrCodecBadField)
			}
			m.PossDup = b
		case TagPossResend:
			b, ok := parseBool(value)
			if !ok {
				setErr(TagPossResend, RejectValueIncorrect, exception.ErrCodecBadField)
			}
			m.PossResend = b
		case TagSendingTime:
			t, err := ParseTime(string(value))
			if err != nil {
				setErr(TagSendingTime, RejectIncorrectDataFormat, exception.ErrCodecBadField)
				continue
			}
			m.SendingTime, seenTime = t, true
		case TagOrigSendingTime:
			t, err := ParseTime(string(value))
			if err != nil {
				setErr(TagOrigSendingTime, RejectIncorrectDataFormat, exception.ErrCodecBadField)
				continue
			}
			m.OrigSendingTime = t
		case TagBeginString, TagBodyLength, TagCheckSum:
			setErr(Tag(tag), RejectTagAppearsMoreThanOne, exception.ErrCodecBadField)
		default:
			m.Fields = append(m.Fields, Field{Tag: Tag(tag), Value: string(value)})
		}
	}

	switch {
	case !seenType:
		setErr(TagMsgType, RejectRequiredTagMissing, exception.ErrCodecMissingField)
	case !seenSend:
		setErr(TagSenderCompID, RejectRequiredTagMissing, exception.ErrCodecMissingField)
	case !seenTarget:
		setErr(TagTargetCompID, RejectRequiredTagMissing, exception.ErrCodecMissingField)
	case !seenSeq:
		setErr(TagMsgSeqNum, RejectRequiredTagMissing, exception.ErrCodecMissingField)
	case !seenTime:
		setErr(TagSendingTime, RejectRequiredTagMissing, exception.ErrCodecMissingField)
	}

	if fieldErr != nil {
		return m, fieldErr
	}
	return m, nil
}

func parseBool(v []byte) (bool, bool) {
	if len(v) != 1 {
		return false, false
	}
	switch v[0] {
	case 'Y':
		return true, true
	case 'N':
		return false, true
	}
	return false, false
}

// Decode parses exactly one complete frame, such as a stored message.
func Decode(frame []byte) (*Message, error) {
	d := &Decoder{buf: frame, maxFrame: len(frame) + 1}
	msg, raw, err := d.Next()
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return nil, &MalformedError{Raw: append([]byte(nil), frame...), Err: exception.ErrCodecBadTrailer}
		}
		return msg, err
	}
	if len(raw) != len(frame) {
		return nil, &MalformedError{Raw: append([]byte(nil), frame[len(raw):]...), Err: exception.ErrCodecGarbage}
	}
	return msg, nil
}
