package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind classifies transport failures.
type Kind int

const (
	// KindConnect covers refused connections, unreachable hosts and DNS failures.
	KindConnect Kind = iota + 1
	// KindTimeout covers connect, read and overall request timeouts.
	KindTimeout
	// KindTLS covers handshake and certificate failures.
	KindTLS
	// KindProtocol covers malformed or unexpected peer behaviour.
	KindProtocol
	// KindPoolExhausted means the per-host queue is full.
	KindPoolExhausted
	// KindCanceled means the caller abandoned the request.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindTLS:
		return "tls"
	case KindProtocol:
		return "protocol"
	case KindPoolExhausted:
		return "pool-exhausted"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ErrPoolExhausted is returned when a host's admission queue is full.
var ErrPoolExhausted = errors.New("connection pool exhausted and queue full")

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	Op   string
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s failure: %s %s: %v", e.Kind, e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s failure: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err into an *Error. Already classified errors are returned as-is.
func Classify(op, url string, err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: kindOf(err), Op: op, URL: url, Err: err}
}

// KindOf returns the failure kind of err, or 0 if err is not a transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var (
		netErr     net.Error
		dnsErr     *net.DNSError
		opErr      *net.OpError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		verifyErr  *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &recordErr), errors.As(err, &alertErr),
		errors.As(err, &unknownCA), errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return KindTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.As(err, &dnsErr):
		return KindConnect
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EHOSTUNREACH):
		return KindConnect
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return KindConnect
	}
	return KindProtocol
}
