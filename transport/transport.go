// Package transport wraps the net/crypto-tls stream plumbing CITM's
// session layer sits on top of: a downward TLS listener sfpair/citmserver
// accepts client connections from, and an upward dialer fetcher uses to
// reach the real IMAP server, with certificate failures classified into
// the typed reasons spec.md §6 enumerates (nocert, caunk, selfsign,
// certbad, sigbad, certunsup, certnotyet, certexp, certrev, extunsup,
// hostname, handshake) instead of a bare error string.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// CertFailure classifies why an upward TLS handshake failed, mirroring
// spec.md §6's named reasons so fetcher can decide whether a failure is
// worth retrying or should be surfaced to the client as a permanent
// connection error.
type CertFailure int

const (
	CertFailNone CertFailure = iota
	CertFailNoCert
	CertFailCAUnknown
	CertFailSelfSigned
	CertFailBadCert
	CertFailBadSignature
	CertFailUnsupported
	CertFailNotYetValid
	CertFailExpired
	CertFailRevoked
	CertFailUnsupportedExt
	CertFailHostname
	CertFailHandshake
)

func (f CertFailure) String() string {
	switch f {
	case CertFailNoCert:
		return "nocert"
	case CertFailCAUnknown:
		return "caunk"
	case CertFailSelfSigned:
		return "selfsign"
	case CertFailBadCert:
		return "certbad"
	case CertFailBadSignature:
		return "sigbad"
	case CertFailUnsupported:
		return "certunsup"
	case CertFailNotYetValid:
		return "certnotyet"
	case CertFailExpired:
		return "certexp"
	case CertFailRevoked:
		return "certrev"
	case CertFailUnsupportedExt:
		return "extunsup"
	case CertFailHostname:
		return "hostname"
	case CertFailHandshake:
		return "handshake"
	default:
		return "none"
	}
}

// CertError wraps an upward dial's TLS failure with its classified
// CertFailure reason.
type CertError struct {
	Reason CertFailure
	Err    error
}

func (e *CertError) Error() string {
	return fmt.Sprintf("transport: tls failure (%s): %v", e.Reason, e.Err)
}

func (e *CertError) Unwrap() error { return e.Err }

// classify maps the handshake error tls.Dial can return into a
// CertFailure reason. x509 gives structured errors for most cases;
// everything else falls back to the generic handshake bucket.
func classify(err error) CertFailure {
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return CertFailCAUnknown
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return CertFailHostname
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		switch invalidErr.Reason {
		case x509.Expired:
			return CertFailExpired
		case x509.NotAuthorizedToSign, x509.IncompatibleUsage:
			return CertFailUnsupported
		case x509.TooManyIntermediates:
			return CertFailBadCert
		case x509.CANotAuthorizedForExtKeyUsage:
			return CertFailUnsupportedExt
		default:
			return CertFailBadCert
		}
	}
	var constraintErr x509.ConstraintViolationError
	if errors.As(err, &constraintErr) {
		return CertFailBadCert
	}
	var sysErr x509.SystemRootsError
	if errors.As(err, &sysErr) {
		return CertFailCAUnknown
	}
	return CertFailHandshake
}

// DialUp opens an upward TLS connection to addr, returning a CertError
// with a classified Reason on handshake failure rather than the bare
// *net.OpError tls.Dial would give.
func DialUp(ctx context.Context, addr string, conf *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	tlsConn := tls.Client(rawConn, conf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, &CertError{Reason: classify(err), Err: err}
	}
	return tlsConn, nil
}

// Listener is the downward TLS listener citmserver accepts client
// sessions from, grounded on imapserver.Server.ServeTLS's accept loop
// (exponential backoff on transient Accept errors, clean shutdown).
type Listener struct {
	TLSConfig *tls.Config

	ln       net.Listener
	shutdown chan struct{}
}

// Listen wraps ln with TLS and readies it for Accept.
func Listen(ln net.Listener, conf *tls.Config) *Listener {
	return &Listener{
		TLSConfig: conf,
		ln:        tls.NewListener(ln, conf),
		shutdown:  make(chan struct{}),
	}
}

// Serve calls handle for each accepted downward connection until
// Close is called or Accept returns a non-temporary error.
func (l *Listener) Serve(handle func(net.Conn)) error {
	var tempDelay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go handle(conn)
	}
}

// Close stops Serve's accept loop and closes the underlying listener.
func (l *Listener) Close() error {
	close(l.shutdown)
	return l.ln.Close()
}
