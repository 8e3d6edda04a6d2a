//go:build !linux

package transport

import (
	"errors"
	"net"
)

type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}

// LookupPeerCredentials is unsupported outside Linux and always returns
// an error.
func LookupPeerCredentials(*net.UnixConn) (PeerCredentials, error) {
	return PeerCredentials{}, errors.New("transport: peer credential lookup not supported on this platform")
}
