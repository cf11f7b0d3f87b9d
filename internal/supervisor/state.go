package supervisor

import "github.com/kolkov/pairsv/internal/process"

type State int

const (
	Init State = iota
	LaunchingServer
	WaitingDelay
	LaunchingDashboard
	Running
	Terminating
	Stopped
)

// States lists every state in lifecycle order.
var States = []State{Init, LaunchingServer, WaitingDelay, LaunchingDashboard, Running, Terminating, Stopped}

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case LaunchingServer:
		return "launching-server"
	case WaitingDelay:
		return "waiting"
	case LaunchingDashboard:
		return "launching-dashboard"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Event is delivered to subscribers on every supervisor state change (Process == nil)
// and on every child status change.
type Event struct {
	State   State
	Process *process.Info
}

// allowed reports whether the state machine may move from -> to. STOPPED is terminal
// and TERMINATING only leads to STOPPED.
func allowed(from, to State) bool {
	switch {
	case from == to, from == Stopped:
		return false
	case from == Terminating:
		return to == Stopped
	}
	return to > from
}
