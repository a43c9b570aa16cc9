// Package netutil holds listener helpers shared by the HTTP pipeline and the
// push channel acceptor.
package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
)

// ErrPortInUse is matched by errors.Is for every PortInUseError.
var ErrPortInUse = errors.New("port in use")

// PortInUseError reports that the OS refused to bind a port because something
// else already holds it.
type PortInUseError struct {
	Port int
	Err  error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d is already in use", e.Port)
}

// Is makes errors.Is(err, ErrPortInUse) true.
func (e *PortInUseError) Is(target error) bool { return target == ErrPortInUse }

// Unwrap returns the underlying bind error.
func (e *PortInUseError) Unwrap() error { return e.Err }

// Listen binds a TCP listener on host:port. If port is 0, a random available
// port is selected. Bind failures caused by an occupied port are returned as
// *PortInUseError. It returns the listener and the actual port used.
func Listen(host string, port int) (net.Listener, int, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, &PortInUseError{Port: port, Err: err}
		}
		return nil, 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port
	return listener, actualPort, nil
}

// LocalhostListener wraps a net.Listener and only accepts connections from
// loopback addresses. Other connections are closed before any HTTP processing.
type LocalhostListener struct {
	net.Listener
	logger *slog.Logger
}

// NewLocalhostListener creates a new localhost-only listener.
func NewLocalhostListener(l net.Listener, logger *slog.Logger) *LocalhostListener {
	return &LocalhostListener{Listener: l, logger: logger}
}

// Accept waits for and returns the next loopback connection.
func (l *LocalhostListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if !IsLoopbackConn(conn) {
			if l.logger != nil {
				l.logger.Warn("Rejected non-localhost connection",
					"remote_addr", conn.RemoteAddr().String())
			}
			conn.Close()
			continue
		}

		return conn, nil
	}
}

// IsLoopbackConn checks if a connection originates from localhost.
func IsLoopbackConn(conn net.Conn) bool {
	remoteAddr := conn.RemoteAddr()
	if remoteAddr == nil {
		return false
	}

	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		host = remoteAddr.String()
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	return ip.IsLoopback()
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
