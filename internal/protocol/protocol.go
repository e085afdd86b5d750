// Package protocol defines the wire format spoken on the private control
// socket between the manager, forking supervisors and worker processes.
//
// A process registers by sending one HTTP/1.1-style request head:
//
//	GET /kitpool/worker?jailid=...&profile=...&version=... HTTP/1.1\r\n\r\n
//
// After that every frame is a single text line terminated by '\n'.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Handshake paths.
const (
	SupervisorPath = "/kitpool/supervisor"
	WorkerPath     = "/kitpool/worker"
)

// Handshake query keys.
const (
	ParamProfile = "profile"
	ParamJailID  = "jailid"
	ParamVersion = "version"

	// PropPrefix marks passthrough properties forwarded to the admin view.
	PropPrefix = "adms_"
)

// Control commands.
const (
	CmdSpawn      = "spawn"
	CmdAddProfile = "addprofile"
	CmdExit       = "exit"
	CmdExiting    = "exiting"
	CmdPing       = "ping"
	CmdPong       = "pong"

	// Document commands, relayed to a bound worker.
	CmdLoad   = "load"
	CmdUnload = "unload"
)

// MaxAnnounceSize bounds a handshake head. A peer that sends more without
// completing the head is talking something else.
const MaxAnnounceSize = 8 << 10

var (
	// ErrIncomplete means more bytes are needed before the head can be parsed.
	ErrIncomplete = errors.New("incomplete announce")
	// ErrMalformedAnnounce is returned for heads that do not parse or miss required fields.
	ErrMalformedAnnounce = errors.New("malformed announce")
	// ErrUnknownPath is returned for heads naming a path nobody serves.
	ErrUnknownPath = errors.New("unknown announce path")
)

var headTerminator = []byte("\r\n\r\n")

// Role is the kind of process announcing itself.
type Role int

const (
	RoleSupervisor Role = iota + 1
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleSupervisor:
		return "supervisor"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// Announce is a parsed registration handshake.
type Announce struct {
	Role    Role
	Profile string
	JailID  string
	Version string
	// Props holds adms_ properties with the prefix stripped.
	Props map[string]string
}

// Encode renders the announce as a request head.
func (a Announce) Encode() []byte {
	q := url.Values{}
	path := SupervisorPath
	if a.Role == RoleWorker {
		path = WorkerPath
		q.Set(ParamJailID, a.JailID)
		if a.Version != "" {
			q.Set(ParamVersion, a.Version)
		}
		keys := make([]string, 0, len(a.Props))
		for k := range a.Props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(PropPrefix+k, a.Props[k])
		}
	}
	if a.Profile != "" {
		q.Set(ParamProfile, a.Profile)
	}

	target := path
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\nHost: kitpool\r\n\r\n", target)
	return b.Bytes()
}

// ReadAnnounce parses a handshake from the front of buf.
//
// It returns the number of bytes the head occupies. When the head is not
// complete yet it returns ErrIncomplete and consumed is zero. When the head
// is complete but invalid, consumed still covers it so the caller can drop
// those bytes before reporting.
func ReadAnnounce(buf []byte) (a Announce, consumed int, err error) {
	end := bytes.Index(buf, headTerminator)
	if end < 0 {
		if len(buf) > MaxAnnounceSize {
			return Announce{}, len(buf), fmt.Errorf("%w: head exceeds %d bytes", ErrMalformedAnnounce, MaxAnnounceSize)
		}
		return Announce{}, 0, ErrIncomplete
	}
	consumed = end + len(headTerminator)

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:consumed])))
	if err != nil {
		return Announce{}, consumed, fmt.Errorf("%w: %v", ErrMalformedAnnounce, err)
	}
	if req.Method != http.MethodGet {
		return Announce{}, consumed, fmt.Errorf("%w: method %s", ErrMalformedAnnounce, req.Method)
	}

	query := req.URL.Query()
	a.Profile = query.Get(ParamProfile)

	switch req.URL.Path {
	case SupervisorPath:
		a.Role = RoleSupervisor
		return a, consumed, nil
	case WorkerPath:
		a.Role = RoleWorker
	default:
		return Announce{}, consumed, fmt.Errorf("%w: %q", ErrUnknownPath, req.URL.Path)
	}

	a.JailID = query.Get(ParamJailID)
	if a.JailID == "" {
		return Announce{}, consumed, fmt.Errorf("%w: missing %s", ErrMalformedAnnounce, ParamJailID)
	}
	a.Version = query.Get(ParamVersion)
	for k, v := range query {
		if !strings.HasPrefix(k, PropPrefix) || len(v) == 0 {
			continue
		}
		if a.Props == nil {
			a.Props = make(map[string]string)
		}
		a.Props[strings.TrimPrefix(k, PropPrefix)] = v[0]
	}
	return a, consumed, nil
}

// Command splits a control line into its verb and the remainder.
func Command(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	verb, arg, _ = strings.Cut(line, " ")
	return verb, strings.TrimSpace(arg)
}

// Spawn renders a request for n more workers.
func Spawn(n int) string {
	return CmdSpawn + " " + strconv.Itoa(n)
}

// ParseSpawn returns the worker count of a spawn command.
func ParseSpawn(line string) (int, error) {
	verb, arg := Command(line)
	if verb != CmdSpawn {
		return 0, fmt.Errorf("not a %s command: %q", CmdSpawn, line)
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid spawn count %q", arg)
	}
	return n, nil
}

// AddProfile renders a request for a profile-scoped supervisor.
func AddProfile(profile string) string {
	return CmdAddProfile + " " + profile
}

// Exiting renders the notice a spare worker sends before leaving on its own.
func Exiting(reason string) string {
	if reason == "" {
		return CmdExiting
	}
	return CmdExiting + " " + reason
}
