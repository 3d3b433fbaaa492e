package exception

import "github.com/yanun0323/errors"

// Config errors
var (
	ErrConfigInvalid     = errors.New("config: invalid")
	ErrConfigUnknownKind = errors.New("config: unknown store kind")
)
