//go:build windows

package process

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Windows-specific process attributes
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// ParseSignal validates the name; Windows can only kill, so every stop signal ends
// up as os.Kill.
func ParseSignal(name string) (os.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(name), "SIG") {
	case "", "TERM", "INT", "KILL", "QUIT":
		return os.Kill, nil
	}
	return nil, errors.Errorf("unknown signal: %s", name)
}

func signalProcess(p *os.Process, _ os.Signal) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func killGroup(p *os.Process) error {
	return signalProcess(p, os.Kill)
}

func exitSignal(*os.ProcessState) string {
	return ""
}
