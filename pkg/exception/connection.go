package exception

import "github.com/yanun0323/errors"

// Database connection errors
var (
	ErrConnOpen      = errors.New("conn: open database")
	ErrConnPing      = errors.New("conn: ping database")
	ErrConnEmptyPath = errors.New("conn: empty database path")
)
