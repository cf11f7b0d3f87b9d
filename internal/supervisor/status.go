package supervisor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kolkov/pairsv/internal/process"
)

func (s *Supervisor) PrintStatus(w io.Writer) {
	WriteStatus(w, s.State(), s.Status())
}

// WriteStatus renders a status table for the given snapshot.
func WriteStatus(w io.Writer, state State, statuses []process.Info) {
	// Цветные принтеры
	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()
	magenta := color.New(color.FgMagenta, color.Bold).SprintFunc()

	// Максимальные длины для выравнивания
	maxNameLen := 8
	maxPidLen := 3
	for _, info := range statuses {
		if len(info.Name) > maxNameLen {
			maxNameLen = len(info.Name)
		}
		if info.PID > 0 {
			if l := len(fmt.Sprintf("%d", info.PID)); l > maxPidLen {
				maxPidLen = l
			}
		}
	}

	nameFormat := fmt.Sprintf("%%-%ds", maxNameLen)
	pidFormat := fmt.Sprintf("%%-%ds", maxPidLen)
	line := strings.Repeat("-", maxNameLen+maxPidLen+36)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", magenta("PAIRSV STATUS"), state)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w,
		"%s | %s | %s | %s | %s\n",
		cyan(fmt.Sprintf(nameFormat, "Process")),
		cyan(fmt.Sprintf(pidFormat, "PID")),
		cyan(fmt.Sprintf("%-8s", "Status")),
		cyan(fmt.Sprintf("%-8s", "Uptime")),
		cyan("Exit"),
	)
	fmt.Fprintln(w, line)

	running, failed := 0, 0
	for _, info := range statuses {
		var statusColor func(a ...interface{}) string
		switch info.Status {
		case process.Running:
			statusColor = green
			running++
		case process.Starting, process.Stopping:
			statusColor = yellow
		case process.Failed:
			statusColor = red
			failed++
		case process.Stopped:
			statusColor = blue
		default:
			statusColor = cyan
		}

		fmt.Fprintf(w,
			"%s | %s | %s | %-8s | %s\n",
			fmt.Sprintf(nameFormat, info.Name),
			fmt.Sprintf(pidFormat, pidString(info)),
			statusColor(fmt.Sprintf("%-8s", info.Status)),
			uptimeString(info),
			exitString(info),
		)
	}

	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Processes: %d | %s | %s\n\n",
		len(statuses),
		green(fmt.Sprintf("Running: %d", running)),
		red(fmt.Sprintf("Failed: %d", failed)),
	)
}

func pidString(info process.Info) string {
	if info.PID > 0 {
		return fmt.Sprintf("%d", info.PID)
	}
	return "N/A"
}

func uptimeString(info process.Info) string {
	if info.StartTime.IsZero() || info.Status != process.Running {
		return "N/A"
	}
	return formatUptime(time.Since(info.StartTime))
}

func exitString(info process.Info) string {
	if info.ExitError != nil {
		return info.ExitError.Error()
	}
	if info.PID > 0 && (info.Status == process.Stopped || info.Status == process.Failed) {
		return fmt.Sprintf("%d", info.ExitCode)
	}
	return "-"
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	return fmt.Sprintf("%02dm%02ds", m, s)
}
