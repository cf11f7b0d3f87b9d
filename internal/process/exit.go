package process

import (
	"fmt"
	"strings"
)

// ExitError describes a process that exited with a non-zero status or was killed by
// a signal.
type ExitError struct {
	Name   string
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	bits := []string{fmt.Sprintf("status=%d", e.Code)}
	if e.Signal != "" {
		bits = append(bits, "signal="+e.Signal)
	}
	return fmt.Sprintf("process %s exited with %s", e.Name, strings.Join(bits, ", "))
}
