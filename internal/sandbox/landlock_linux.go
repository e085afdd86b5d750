//go:build linux

package sandbox

import (
	"fmt"
	"os"

	landlock "github.com/landlock-lsm/go-landlock/landlock"

	"github.com/codefionn/kitpool/internal/logger"
)

const supported = true

// Rules converts the granted paths into Landlock rules. Landlock rejects
// directory access rights on regular files, so files get file rules.
func (j *Jail) Rules() []landlock.Rule {
	rules := make([]landlock.Rule, 0, len(j.paths))
	for _, perm := range j.paths {
		isFile := false
		if info, err := os.Stat(perm.Path); err == nil && !info.IsDir() {
			isFile = true
		}
		switch {
		case perm.Access == AccessReadWrite && isFile:
			rules = append(rules, landlock.RWFiles(perm.Path))
		case perm.Access == AccessReadWrite:
			rules = append(rules, landlock.RWDirs(perm.Path))
		case isFile:
			rules = append(rules, landlock.ROFiles(perm.Path))
		default:
			rules = append(rules, landlock.RODirs(perm.Path))
		}
	}
	return rules
}

// Restrict confines the calling process, and every child it starts, to
// the jail. It cannot be undone.
func (j *Jail) Restrict() error {
	if !j.Enabled() {
		logger.Info("Landlock sandbox disabled, jail %s is unconfined", j.dir)
		return nil
	}

	var err error
	if j.cfg.BestEffort {
		err = landlock.V6.BestEffort().RestrictPaths(j.Rules()...)
	} else {
		err = landlock.V6.RestrictPaths(j.Rules()...)
	}
	if err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	logger.Debug("Landlock restrictions applied to jail %s: %d paths", j.dir, len(j.paths))
	return nil
}
