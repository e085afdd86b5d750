//go:build unix && !linux

package controlsock

import (
	"errors"
	"net"
)

func peerPID(*net.UnixConn) (int, error) {
	return 0, errors.New("peer credentials are only available on linux")
}
