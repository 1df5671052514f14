package worker

import (
	"fmt"
	"strings"
)

// EarlyExitError is returned by Launch when the guest process exits before
// its socket file appears. Stdout and Stderr hold whatever output the guest
// emitted before dying; capture is best-effort and may be truncated.
type EarlyExitError struct {
	Code   int
	Signal string
	Stdout string
	Stderr string
}

func (e *EarlyExitError) Error() string {
	msg := fmt.Sprintf("guest process exited early (code=%d", e.Code)
	if e.Signal != "" {
		msg += fmt.Sprintf(", signal=%s", e.Signal)
	}
	msg += ")"
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}
