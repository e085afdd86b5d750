package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ExitReport carries abnormal worker exits observed by a supervisor since
// its previous report.
type ExitReport struct {
	Segfaults int
	Killed    int
	OOMKilled int
}

// Empty reports whether nothing needs to be sent.
func (r ExitReport) Empty() bool {
	return r.Segfaults == 0 && r.Killed == 0 && r.OOMKilled == 0
}

// String renders the report line.
func (r ExitReport) String() string {
	return fmt.Sprintf("segfaultcount=%d killedcount=%d oomkilledcount=%d", r.Segfaults, r.Killed, r.OOMKilled)
}

// ParseExitReport parses a report line. ok is false when line is not a report.
func ParseExitReport(line string) (r ExitReport, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ExitReport{}, false
	}
	for _, f := range fields {
		key, value, found := strings.Cut(f, "=")
		if !found {
			return ExitReport{}, false
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return ExitReport{}, false
		}
		switch key {
		case "segfaultcount":
			r.Segfaults = n
			ok = true
		case "killedcount":
			r.Killed = n
			ok = true
		case "oomkilledcount":
			r.OOMKilled = n
			ok = true
		default:
			return ExitReport{}, false
		}
	}
	return r, ok
}
