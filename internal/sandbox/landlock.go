// Package sandbox confines worker processes to their jail directory using
// Linux Landlock. On other platforms, or when Landlock is unavailable and
// best-effort mode is on, workers run unconfined.
package sandbox

import (
	"os"
	"path/filepath"
	"slices"
)

// AccessLevel represents the type of filesystem access granted to a path.
type AccessLevel int

const (
	// AccessReadOnly grants read-only access (read files, list directories)
	AccessReadOnly AccessLevel = iota
	// AccessReadWrite grants read and write access
	AccessReadWrite
)

func (a AccessLevel) String() string {
	if a == AccessReadWrite {
		return "rw"
	}
	return "ro"
}

// DirectoryPermission represents a path with its access level.
type DirectoryPermission struct {
	Path   string
	Access AccessLevel
}

// Config holds the jail settings shared by every worker.
type Config struct {
	// RootDir holds one directory per jail id.
	RootDir string
	// ReadOnly and ReadWrite are extra paths granted to every jail.
	ReadOnly  []string
	ReadWrite []string
	// BestEffort degrades to the strongest ABI the kernel supports.
	BestEffort bool
	Disabled   bool
}

// JailDir returns the directory of the given jail.
func (c Config) JailDir(jailID string) string {
	return filepath.Join(c.RootDir, jailID)
}

// systemPaths are granted read-only so the worker can load its runtime.
var systemPaths = []string{
	"/usr",
	"/bin",
	"/lib",
	"/lib64",
	"/etc",
	"/sbin",
	"/nix/store",
	"/proc/self",
}

var devFiles = []string{
	"/dev/null",
	"/dev/zero",
	"/dev/urandom",
}

// Jail is the filesystem view of one worker.
type Jail struct {
	cfg   Config
	dir   string
	paths []DirectoryPermission
}

// New prepares the jail for jailDir. Paths that do not exist are skipped.
func New(cfg Config, jailDir string) *Jail {
	j := &Jail{cfg: cfg, dir: jailDir}
	if cfg.Disabled {
		return j
	}

	seen := make(map[string]bool)
	add := func(p string, access AccessLevel) {
		if p == "" {
			return
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		if seen[abs] {
			return
		}
		if _, err := os.Stat(abs); err != nil {
			return
		}
		seen[abs] = true
		j.paths = append(j.paths, DirectoryPermission{Path: abs, Access: access})
	}

	add(jailDir, AccessReadWrite)
	for _, p := range cfg.ReadWrite {
		add(p, AccessReadWrite)
	}
	for _, p := range devFiles {
		add(p, AccessReadWrite)
	}
	for _, p := range cfg.ReadOnly {
		add(p, AccessReadOnly)
	}
	for _, p := range systemPaths {
		add(p, AccessReadOnly)
	}
	return j
}

// Dir returns the jail directory.
func (j *Jail) Dir() string { return j.dir }

// Paths returns the granted paths.
func (j *Jail) Paths() []DirectoryPermission { return slices.Clone(j.paths) }

// Enabled reports whether Restrict will confine the process.
func (j *Jail) Enabled() bool { return !j.cfg.Disabled && supported }
