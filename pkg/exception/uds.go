package exception

import "github.com/yanun0323/errors"

// UDS errors
var (
	// ErrEmptyPathUDS is returned when a socket path is empty.
	ErrEmptyPathUDS = errors.New("uds: empty path")

	// ErrNilClientUDS is returned when a nil client receiver is used.
	ErrNilClientUDS = errors.New("uds: nil client")

	// ErrNilServerUDS is returned when a nil server receiver is used.
	ErrNilServerUDS = errors.New("uds: nil server")

	// ErrAlreadyListeningUDS is returned when Listen is called twice.
	ErrAlreadyListeningUDS = errors.New("uds: already listening")

	// ErrNotListeningUDS is returned when Accept is called before Listen.
	ErrNotListeningUDS = errors.New("uds: not listening")

	// ErrPathNotSocketUDS is returned when the existing path is not a socket.
	ErrPathNotSocketUDS = errors.New("uds: path exists and is not a socket")

	// ErrNilHandlerUDS is returned when ServeLines gets no handler.
	ErrNilHandlerUDS = errors.New("uds: nil line handler")

	// ErrBadRequestUDS is returned for an empty or multi-line request.
	ErrBadRequestUDS = errors.New("uds: request must be one non-empty line")

	// ErrBadReplyUDS is returned when a reply line is not valid JSON.
	ErrBadReplyUDS = errors.New("uds: malformed reply")
)

// Transport errors
var (
	ErrTransportUnknownNetwork = errors.New("transport: unknown network")
	ErrTransportUnknownSession = errors.New("transport: no session for logon CompIDs")
	ErrTransportFirstNotLogon  = errors.New("transport: first message is not Logon")
)

// Admin errors
var (
	ErrAdminUnknownCommand = errors.New("admin: unknown command")
	ErrAdminBadArguments   = errors.New("admin: bad arguments")
)
