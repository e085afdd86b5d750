//go:build unix

package controlsock

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

// DetectionTimeout bounds how long Active waits for a live server.
const DetectionTimeout = time.Second

// ErrSocketInUse is returned by Start when another server answers on the path.
var ErrSocketInUse = errors.New("control socket is served by another process")

// Active reports whether a server is accepting connections at path. A
// socket file nobody listens on is stale.
func Active(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	if stat.Mode()&os.ModeSocket == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), DetectionTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
