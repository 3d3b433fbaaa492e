package exception

import "github.com/yanun0323/errors"

// Session errors
var (
	ErrSessionHalted        = errors.New("session: halted after store failure")
	ErrSessionConnected     = errors.New("session: transport already attached")
	ErrSessionNotRunning    = errors.New("session: actor not running")
	ErrSessionNotLoggedOn   = errors.New("session: not logged on")
	ErrSessionInvalidConfig = errors.New("session: invalid config")
	ErrSessionReservedType  = errors.New("session: reserved session-level message type")
	ErrSessionExists        = errors.New("registry: session already exists")
	ErrSessionUnknown       = errors.New("registry: unknown session")
	ErrSessionAmbiguous     = errors.New("registry: several sessions match the CompIDs")
	ErrSessionInvalidID     = errors.New("session: invalid session id")
	ErrSessionInvalidSeqNum = errors.New("session: sequence number must be >= 1")
	ErrDispatchNoHandler    = errors.New("dispatch: no handler registered")
	ErrDispatchHandlerPanic = errors.New("dispatch: handler panicked")
	ErrDispatchReservedType = errors.New("dispatch: message type is session-level")
	ErrDispatchEmptyMsgType = errors.New("dispatch: empty message type")
	ErrDispatchNilHandler   = errors.New("dispatch: nil handler")
)

// Session lifecycle errors
var (
	ErrSessionRunning      = errors.New("session: already running")
	ErrSessionSeqBehind    = errors.New("session: sequence number below next outgoing")
	ErrSessionDisconnected = errors.New("session: disconnected")
)
