//go:build unix

package controlsock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/codefionn/kitpool/internal/protocol"
)

// Client is the supervisor/worker end of a control connection.
type Client struct {
	uc *net.UnixConn
	r  *bufio.Reader

	wmu sync.Mutex
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control socket %s: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return &Client{uc: uc, r: bufio.NewReader(uc)}, nil
}

// Announce sends the registration head. Files are passed as ancillary
// descriptors in the order given.
func (c *Client) Announce(a protocol.Announce, files ...*os.File) error {
	head := a.Encode()

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, 0, len(files))
		for _, f := range files {
			fds = append(fds, int(f.Fd()))
		}
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, _, err := c.uc.WriteMsgUnix(head, oob, nil)
	if err != nil {
		return fmt.Errorf("failed to send announce: %w", err)
	}
	if n < len(head) {
		if _, err := c.uc.Write(head[n:]); err != nil {
			return fmt.Errorf("failed to send announce: %w", err)
		}
	}
	return nil
}

// ReadLine blocks for the next control line, without its terminator.
func (c *Client) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine sends one control line.
func (c *Client) WriteLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.uc.Write([]byte(line + "\n"))
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.uc.Close()
}
