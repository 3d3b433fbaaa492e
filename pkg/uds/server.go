package uds

import (
	"errors"
	"net"
	"os"

	"fixengine/pkg/exception"
)

// Server listens for Unix domain socket connections. It is used by the FIX
// acceptor when configured with network "unix" and by the admin endpoint.
type Server struct {
	addr net.UnixAddr
	ln   *net.UnixListener
}

// NewServer creates a server for the provided socket path.
func NewServer(path string) (*Server, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Server{addr: net.UnixAddr{Name: path, Net: unixNetwork}}, nil
}

// Path returns the configured socket path.
func (s *Server) Path() string {
	if s == nil {
		return ""
	}
	return s.addr.Name
}

// Listen starts listening on the configured socket path.
// A stale socket file left by a previous process is removed first.
func (s *Server) Listen() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	if s.addr.Name == "" {
		return exception.ErrEmptyPathUDS
	}
	if s.ln != nil {
		return exception.ErrAlreadyListeningUDS
	}
	if err := RemoveIfExists(s.addr.Name); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &s.addr)
	if err != nil {
		return err
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

// Listener exposes the bound listener so generic accept loops can serve it.
func (s *Server) Listener() (net.Listener, error) {
	if s == nil {
		return nil, exception.ErrNilServerUDS
	}
	if s.ln == nil {
		return nil, exception.ErrNotListeningUDS
	}
	return s.ln, nil
}

// Accept waits for the next incoming connection.
func (s *Server) Accept() (net.Conn, error) {
	if s == nil {
		return nil, exception.ErrNilServerUDS
	}
	if s.ln == nil {
		return nil, exception.ErrNotListeningUDS
	}
	return s.ln.AcceptUnix()
}

// Close stops the listener and unlinks the socket file.
func (s *Server) Close() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// RemoveIfExists removes the socket file if it exists. Regular files are
// never removed.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyPathUDS
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return exception.ErrPathNotSocketUDS
	}
	return os.Remove(path)
}
