package exception

import "github.com/yanun0323/errors"

// Store errors
var (
	ErrStoreClosed          = errors.New("store: closed")
	ErrStoreSeqOutOfOrder   = errors.New("store: append sequence is not next outgoing")
	ErrStoreCorruptRecord   = errors.New("store: corrupt record")
	ErrStoreChecksum        = errors.New("store: record checksum mismatch")
	ErrStoreUnsupportedKind = errors.New("store: unsupported kind")
	ErrStoreEmptyDir        = errors.New("store: empty directory")
	ErrStoreInUse           = errors.New("store: session already open")
	ErrStoreInvalidState    = errors.New("store: sequence numbers must be >= 1")
	ErrStorePayloadTooLarge = errors.New("store: payload too large")
)
