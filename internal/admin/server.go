package admin

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/internal/session"
	"fixengine/pkg/exception"
	"fixengine/pkg/uds"
)

// Commands understood on the admin socket, one per line.
const (
	CmdList   = "list"
	CmdStatus = "status"
	CmdLogout = "logout"
	CmdReset  = "reset"
)

const (
	maxLine      = 4096
	idleTimeout  = 5 * time.Minute
	writeTimeout = 5 * time.Second
)

// Controller is the operator surface of the session registry.
type Controller interface {
	List(ctx context.Context) ([]session.Status, error)
	Status(ctx context.Context, id schema.SessionID) (session.Status, error)
	ForceLogout(ctx context.Context, id schema.SessionID, text string) error
	ResetSequence(ctx context.Context, id schema.SessionID, n uint64) error
}

// Response is written back as a single JSON line.
type Response struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Status   *session.Status  `json:"status,omitempty"`
	Sessions []session.Status `json:"sessions,omitempty"`
}

// Server answers admin commands on a unix socket.
type Server struct {
	ctl Controller
	srv *uds.Server
}

func NewServer(path string, ctl Controller) (*Server, error) {
	if ctl == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "controller")
	}
	srv, err := uds.NewServer(path)
	if err != nil {
		return nil, err
	}
	return &Server{ctl: ctl, srv: srv}, nil
}

func (s *Server) Path() string {
	return s.srv.Path()
}

// Listen binds the socket.
func (s *Server) Listen() error {
	return s.srv.Listen()
}

// Serve answers admin commands until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	logs.Infof("admin: listening on %s", s.srv.Path())
	return s.srv.ServeLines(ctx, uds.LineConfig{
		MaxLine:      maxLine,
		IdleTimeout:  idleTimeout,
		WriteTimeout: writeTimeout,
		OnError: func(err error) {
			logs.Errorf("admin: accept, err: %+v", err)
		},
	}, func(ctx context.Context, line string) any {
		return s.Execute(ctx, line)
	})
}

// Execute runs one command line.
func (s *Server) Execute(ctx context.Context, line string) Response {
	args := strings.Fields(line)
	if len(args) == 0 {
		return fail(exception.ErrAdminUnknownCommand)
	}

	cmd, args := strings.ToLower(args[0]), args[1:]
	if cmd == CmdList {
		list, err := s.ctl.List(ctx)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Sessions: list}
	}

	if len(args) == 0 {
		return fail(errors.Wrap(exception.ErrAdminBadArguments, cmd+" needs a session id"))
	}
	id, err := schema.ParseSessionID(args[0])
	if err != nil {
		return fail(err)
	}

	switch cmd {
	case CmdStatus:
		st, err := s.ctl.Status(ctx, id)
		if err != nil {
			return fail(err)
		}
		return Response{OK: true, Status: &st}
	case CmdLogout:
		text := strings.Join(args[1:], " ")
		if text == "" {
			text = "operator logout"
		}
		if err := s.ctl.ForceLogout(ctx, id, text); err != nil {
			return fail(err)
		}
		logs.Infof("admin: logout %s", id)
		return Response{OK: true}
	case CmdReset:
		if len(args) != 2 {
			return fail(errors.Wrap(exception.ErrAdminBadArguments, "reset <id> <seq>"))
		}
		n, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil || n == 0 {
			return fail(errors.Wrap(exception.ErrAdminBadArguments, "seq "+args[1]))
		}
		if err := s.ctl.ResetSequence(ctx, id, n); err != nil {
			return fail(err)
		}
		logs.Infof("admin: reset %s to %d", id, n)
		return Response{OK: true}
	}
	return fail(errors.Wrap(exception.ErrAdminUnknownCommand, cmd))
}

func fail(err error) Response {
	return Response{Error: err.Error()}
}
