package exception

import "github.com/yanun0323/errors"

// Codec errors
var (
	ErrCodecIncomplete     = errors.New("codec: incomplete frame")
	ErrCodecBadBeginString = errors.New("codec: frame does not start with BeginString")
	ErrCodecBadBodyLength  = errors.New("codec: invalid BodyLength")
	ErrCodecBadTrailer     = errors.New("codec: CheckSum field not found at BodyLength offset")
	ErrCodecChecksum       = errors.New("codec: checksum mismatch")
	ErrCodecFrameTooLarge  = errors.New("codec: frame exceeds max size")
	ErrCodecGarbage        = errors.New("codec: bytes outside of a frame")
	ErrCodecBadField       = errors.New("codec: malformed tag=value field")
	ErrCodecMissingField   = errors.New("codec: required field missing")
	ErrCodecReservedTag    = errors.New("codec: header tag in body fields")
	ErrCodecEmptyMsgType   = errors.New("codec: empty MsgType")
)
