//go:build !linux

package sandbox

import (
	"github.com/codefionn/kitpool/internal/logger"
)

const supported = false

// Restrict is a no-op on non-Linux.
func (j *Jail) Restrict() error {
	logger.Debug("Landlock sandboxing not available on this platform, jail %s is unconfined", j.dir)
	return nil
}
