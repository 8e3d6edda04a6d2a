// Package transport provides the mutually authenticated, timeout-aware
// duplex byte stream (§4.1, C1) that internal/protocol frames messages
// over. Grounded on the shape of the teacher's transport package (long
// lived point-to-point connections, explicit per-op deadlines) but built
// on crypto/tls rather than a raw HTTP stream bundle, since C1's contract
// is X.509 mutual auth plus directional shutdown, not an HTTP endpoint.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"
)

// Error kinds named by §4.1.
var (
	ErrConnect            = errors.New("transport: connect failed")
	ErrRead               = errors.New("transport: read failed")
	ErrWrite              = errors.New("transport: write failed")
	ErrTimeout            = errors.New("transport: timeout")
	ErrCertificateInvalid = errors.New("transport: certificate invalid")
	ErrHandshake          = errors.New("transport: handshake failed")
)

// Conn is a mutually authenticated duplex byte stream. A zero-byte read
// with a nil error signals clean half-close; a timed-out read returns
// (0, ErrTimeout), and a timed-out write returns the number of bytes
// already written together with ErrTimeout.
type Conn struct {
	tc   *tls.Conn
	peer string // the authenticated peer's Common Name
}

// Dial connects to addr and performs the TLS handshake using certFile/
// keyFile for this side's identity and caFile to validate the peer.
func Dial(addr string, certFile, keyFile, caFile string) (*Conn, error) {
	cfg, err := clientTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		return nil, err
	}
	raw, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	tc := tls.Client(raw, cfg)
	if err := tc.Handshake(); err != nil {
		tc.Close()
		return nil, errors.Join(ErrHandshake, err)
	}
	return newConn(tc)
}

// Accept wraps an already-accepted net.Conn (from a net.Listener built
// with ServerTLSConfig) into a Conn, completing the handshake.
func Accept(raw net.Conn) (*Conn, error) {
	tc, ok := raw.(*tls.Conn)
	if !ok {
		return nil, errors.New("transport: Accept requires a *tls.Conn (use ServerTLSConfig listener)")
	}
	if err := tc.Handshake(); err != nil {
		tc.Close()
		return nil, errors.Join(ErrHandshake, err)
	}
	return newConn(tc)
}

func newConn(tc *tls.Conn) (*Conn, error) {
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		tc.Close()
		return nil, ErrCertificateInvalid
	}
	return &Conn{tc: tc, peer: state.PeerCertificates[0].Subject.CommonName}, nil
}

// PeerCommonName returns the authenticated peer's certificate CN.
func (c *Conn) PeerCommonName() string { return c.peer }

// Read reads up to len(buf) bytes, honouring deadline (zero means no
// deadline). A deadline expiry returns (0, ErrTimeout). Clean peer
// half-close returns (0, nil).
func (c *Conn) Read(buf []byte, deadline time.Duration) (int, error) {
	if err := setDeadline(c.tc, deadline, false); err != nil {
		return 0, err
	}
	n, err := c.tc.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, ErrTimeout
		}
		if err.Error() == "EOF" || errors.Is(err, os.ErrClosed) {
			return 0, nil
		}
		return n, errors.Join(ErrRead, err)
	}
	return n, nil
}

// Write writes all of buf, retrying partial writes until the cumulative
// deadline (zero means no deadline) expires.
func (c *Conn) Write(buf []byte, deadline time.Duration) (int, error) {
	var deadlineAt time.Time
	if deadline > 0 {
		deadlineAt = time.Now().Add(deadline)
	}
	total := 0
	for total < len(buf) {
		remaining := time.Duration(0)
		if !deadlineAt.IsZero() {
			remaining = time.Until(deadlineAt)
			if remaining <= 0 {
				return total, ErrTimeout
			}
		}
		if err := setDeadline(c.tc, remaining, false); err != nil {
			return total, err
		}
		n, err := c.tc.Write(buf[total:])
		total += n
		if err != nil {
			if isTimeout(err) {
				return total, ErrTimeout
			}
			return total, errors.Join(ErrWrite, err)
		}
	}
	return total, nil
}

// Shutdown direction for CloseRead/CloseWrite/CloseBoth.
type Direction int

const (
	CloseRead Direction = iota
	CloseWrite
	CloseBoth
)

// Shutdown closes one or both halves of the connection. TLS has no
// half-close primitive of its own: CloseWrite sends close_notify, and
// CloseBoth tears down the whole socket. CloseRead has no read-only
// effect: like CloseBoth, it closes the whole connection.
func (c *Conn) Shutdown(dir Direction) error {
	switch dir {
	case CloseWrite:
		return c.tc.CloseWrite()
	case CloseBoth, CloseRead:
		return c.tc.Close()
	}
	return nil
}

func (c *Conn) Close() error { return c.tc.Close() }

func setDeadline(tc *tls.Conn, d time.Duration, _ bool) error {
	if d <= 0 {
		return tc.SetDeadline(time.Time{})
	}
	return tc.SetDeadline(time.Now().Add(d))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func clientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Join(ErrCertificateInvalid, err)
	}
	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerTLSConfig builds a tls.Config requiring and verifying client
// certificates, for use with tls.NewListener.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Join(ErrCertificateInvalid, err)
	}
	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Join(ErrCertificateInvalid, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, ErrCertificateInvalid
	}
	return pool, nil
}
