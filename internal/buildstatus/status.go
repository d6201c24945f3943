// Package buildstatus models the result codes reported by the build-status
// service for a single scheduled or finished build.
package buildstatus

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Code is the status of one build record.
type Code int

const (
	// NotStarted is the scheduled placeholder: the build exists but has not run.
	NotStarted Code = iota
	Success
	Warning
	Failure
	Skipped
	Exception
	Retry
	Cancelled
	Pending
	Running
	Coalesced
	Unknown
)

// results is the service's result list. Wire integer n>=1 indexes results[n-1].
var results = []Code{
	Success, Warning, Failure, Skipped, Exception, Retry,
	Cancelled, Pending, Running, Coalesced, Unknown,
}

var names = map[Code]string{
	NotStarted: "not_started",
	Success:    "success",
	Warning:    "warning",
	Failure:    "failure",
	Skipped:    "skipped",
	Exception:  "exception",
	Retry:      "retry",
	Cancelled:  "cancelled",
	Pending:    "pending",
	Running:    "running",
	Coalesced:  "coalesced",
	Unknown:    "unknown",
}

// String returns the lowercase name of the code.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "unknown"
}

// Started reports whether the build has actually been run (or is running).
func (c Code) Started() bool {
	return c != NotStarted
}

// FromWire maps the integer status used on the wire to a Code.
func FromWire(n int) Code {
	if n == 0 {
		return NotStarted
	}
	if n < 1 || n > len(results) {
		return Unknown
	}
	return results[n-1]
}

// Parse maps a status name to a Code. Unrecognised names map to Unknown.
func Parse(s string) Code {
	for c, n := range names {
		if n == s {
			return c
		}
	}
	return Unknown
}

// MarshalJSON encodes the code by name.
func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts null, an integer wire code or a status name.
func (c *Code) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = NotStarted
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Parse(s)
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		*c = Unknown
		return nil
	}
	*c = FromWire(n)
	return nil
}
