//go:build linux

package transport

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredentials is the uid/gid/pid of the process on the other end of a
// local (unix-domain) socket (§4.1). Nothing in this module calls
// LookupPeerCredentials; boxadm works on the account files directly.
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}

// LookupPeerCredentials returns the credentials of the peer on a
// *net.UnixConn. Only meaningful for AF_UNIX sockets on the same host.
func LookupPeerCredentials(conn *net.UnixConn) (PeerCredentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, err
	}
	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCredentials{}, err
	}
	if sockErr != nil {
		return PeerCredentials{}, sockErr
	}
	if cred == nil {
		return PeerCredentials{}, errors.New("transport: no peer credentials available")
	}
	return PeerCredentials{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
