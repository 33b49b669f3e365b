//go:build linux

package listener

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Read SO_PEERCRED off a unix socket connection. The conn may be
// wrapped in TLS, unwrap before asking the kernel.
func unixPeerCredentials(conn net.Conn) (pid string, uid string, ok bool) {
	type netConnUnwrapper interface {
		NetConn() net.Conn
	}
	for {
		wrapped, isWrapped := conn.(netConnUnwrapper)
		if !isWrapped {
			break
		}
		conn = wrapped.NetConn()
	}

	unixConn, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return "", "", false
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return "", "", false
	}

	var cred *unix.Ucred
	var credErr error
	controlErr := rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil || credErr != nil || cred == nil {
		return "", "", false
	}

	return strconv.FormatInt(int64(cred.Pid), 10), strconv.FormatUint(uint64(cred.Uid), 10), true
}
