package kit

import (
	"fmt"
	"io"
	"os"
)

// bridge is the pair of pipes the manager uses to stream bulk data to and
// from the worker. The worker keeps the local ends; the remote ends travel
// to the manager with the announce. Until a document takes over, the
// bridge echoes what it receives.
type bridge struct {
	localIn   *os.File
	remoteIn  *os.File
	localOut  *os.File
	remoteOut *os.File
}

func newBridge() (*bridge, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	return &bridge{localIn: inR, remoteIn: inW, localOut: outW, remoteOut: outR}, nil
}

func (b *bridge) serve() {
	_, _ = io.Copy(b.localOut, b.localIn)
	_ = b.localOut.Close()
}

func (b *bridge) closeRemote() {
	if b.remoteIn != nil {
		_ = b.remoteIn.Close()
		b.remoteIn = nil
	}
	if b.remoteOut != nil {
		_ = b.remoteOut.Close()
		b.remoteOut = nil
	}
}

func (b *bridge) Close() error {
	b.closeRemote()
	_ = b.localIn.Close()
	return b.localOut.Close()
}
