package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/Pequito/sessionvault/internal/hostkeys"
)

var (
	ErrSessionNotReady      = errors.New("session not ready")
	ErrUnsupportedOperation = errors.New("operation not supported by this protocol")
	ErrWorkerUsed           = errors.New("worker already connected once; create a new one")
	ErrClosed               = errors.New("session closed")
	ErrSendQueueFull        = errors.New("send queue full")
	ErrUnknownSession       = errors.New("unknown session")
)

type ConnectReason string

const (
	ReasonDNS         ConnectReason = "dns"
	ReasonRefused     ConnectReason = "refused"
	ReasonTimeout     ConnectReason = "timeout"
	ReasonUnreachable ConnectReason = "unreachable"
	ReasonHandshake   ConnectReason = "handshake"
	ReasonOther       ConnectReason = "other"
)

// ConnectError is a network-level failure to reach the host. The caller
// may retry with a fresh worker.
type ConnectError struct {
	Reason ConnectReason
	Addr   string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s (%s): %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError means the server rejected the credential.
type AuthError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func classifyDial(addr string, err error) error {
	reason := ReasonOther
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		reason = ReasonDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		reason = ReasonRefused
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		reason = ReasonTimeout
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		reason = ReasonUnreachable
	}
	return &ConnectError{Reason: reason, Addr: addr, Err: err}
}

// classifyHandshake maps an ssh.NewClientConn failure. hkErr is the error
// captured from the host-key callback, if it fired.
func classifyHandshake(addr, user string, err error, hkErr *hostkeys.HostKeyError) error {
	if hkErr != nil {
		return hkErr
	}
	var he *hostkeys.HostKeyError
	if errors.As(err, &he) {
		return he
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &AuthError{User: user, Addr: addr, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectError{Reason: ReasonTimeout, Addr: addr, Err: err}
	}
	return &ConnectError{Reason: ReasonHandshake, Addr: addr, Err: err}
}

// errorKind maps a Connect error to its event kind.
func errorKind(err error) ErrorKind {
	var (
		authErr *AuthError
		hkErr   *hostkeys.HostKeyError
	)
	switch {
	case errors.As(err, &hkErr):
		return ErrorHostKey
	case errors.As(err, &authErr):
		return ErrorAuth
	default:
		return ErrorConnect
	}
}
