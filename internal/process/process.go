package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/kolkov/pairsv/internal/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Status string

const (
	Stopped  Status = "stopped"
	Starting Status = "starting"
	Running  Status = "running"
	Stopping Status = "stopping"
	Failed   Status = "failed"
)

// outputGrace bounds how long Wait keeps draining pipes that outlive the process
// (grandchildren inheriting stdout, e.g. reload workers).
const outputGrace = time.Second

// Info is a snapshot of a child.
type Info struct {
	Name      string
	PID       int
	Status    Status
	StartTime time.Time
	ExitCode  int
	ExitError error
}

type Option func(*Child)

// WithOutput sets where prefixed stdout/stderr lines go. The writer must be safe for
// concurrent use; see SyncWriter.
func WithOutput(w io.Writer) Option {
	return func(c *Child) { c.out = w }
}

// WithNotify registers a callback fired after every status change. The callback must
// not start or terminate the same child.
func WithNotify(fn func(Info)) Option {
	return func(c *Child) { c.notify = fn }
}

// WithColor sets the color of the line prefix.
func WithColor(attrs ...color.Attribute) Option {
	return func(c *Child) { c.color = color.New(attrs...) }
}

// Child is an exclusively owned handle on one external process.
type Child struct {
	Name   string
	Config config.ProcessConfig

	out    io.Writer
	notify func(Info)
	color  *color.Color

	emitMu    sync.Mutex
	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	startTime time.Time
	exitCode  int
	exitErr   error
	attempted bool
	started   bool
	stopping  bool
	finished  bool
	killTimer *time.Timer
	pending   []Info
	done      chan struct{}
}

func New(cfg config.ProcessConfig, opts ...Option) *Child {
	c := &Child{
		Name:   cfg.Name,
		Config: cfg,
		out:    os.Stdout,
		color:  color.New(color.FgCyan),
		status: Stopped,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the process. A Child can be started once.
func (c *Child) Start() error {
	c.mu.Lock()
	if c.attempted {
		c.mu.Unlock()
		return fmt.Errorf("process already started: %s", c.Name)
	}
	c.attempted = true
	c.status = Starting
	c.startTime = time.Now()
	c.unlockAndEmit()

	if err := c.start(); err != nil {
		logrus.Errorf("Process %s failed to start: %v", c.Name, err)
		c.mu.Lock()
		c.status = Failed
		c.exitErr = err
		c.finished = true
		c.unlockAndEmit()
		close(c.done)
		return err
	}
	return nil
}

func (c *Child) start() error {
	if _, err := ParseSignal(c.Config.StopSignal); err != nil {
		return errors.Wrapf(err, "process %s", c.Name)
	}

	logrus.Infof("Starting process %s: %s %v", c.Name, c.Config.Command, c.Config.Args)

	cmd := exec.Command(c.Config.Command, c.Config.Args...)
	cmd.Dir = c.Config.Directory
	cmd.Env = append(os.Environ(), envList(c.Config.Environment)...)
	cmd.WaitDelay = outputGrace
	setProcAttr(cmd)

	// Каналы для вывода
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return errors.Wrapf(err, "start %s", c.Name)
	}

	pid := cmd.Process.Pid
	logrus.Infof("Process %s started with PID: %d", c.Name, pid)

	var lines sync.WaitGroup
	lines.Add(2)
	go c.scan(&lines, stdoutR, fmt.Sprintf("[%s][%d]", c.Name, pid))
	go c.scan(&lines, stderrR, fmt.Sprintf("[%s][%d][ERROR]", c.Name, pid))

	c.mu.Lock()
	c.cmd = cmd
	c.started = true
	c.status = Running
	c.unlockAndEmit()

	go c.wait(cmd, &lines, stdoutW, stderrW)
	return nil
}

// Чтение вывода в реальном времени
func (c *Child) scan(wg *sync.WaitGroup, r io.Reader, prefix string) {
	defer wg.Done()
	prefix = c.color.Sprint(prefix)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(c.out, "%s %s\n", prefix, scanner.Text())
	}
	// Дочитываем остаток, чтобы процесс не заблокировался на записи
	io.Copy(io.Discard, r)
}

func (c *Child) wait(cmd *exec.Cmd, lines *sync.WaitGroup, pipes ...io.Closer) {
	err := cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	for _, p := range pipes {
		p.Close()
	}
	lines.Wait()

	state := cmd.ProcessState
	pid := cmd.Process.Pid

	c.mu.Lock()
	if c.killTimer != nil {
		c.killTimer.Stop()
	}
	c.exitCode = state.ExitCode()
	if err != nil {
		c.exitErr = &ExitError{Name: c.Name, Code: c.exitCode, Signal: exitSignal(state)}
	}
	switch {
	case c.stopping:
		c.status = Stopped
		logrus.Infof("Process %s (PID: %d) stopped", c.Name, pid)
	case err != nil:
		c.status = Failed
		logrus.Errorf("Process %s (PID: %d) exited with error: %v", c.Name, pid, c.exitErr)
	default:
		c.status = Stopped
		logrus.Infof("Process %s (PID: %d) exited normally", c.Name, pid)
	}
	c.finished = true
	c.unlockAndEmit()
	close(c.done)
}

// Terminate sends the configured stop signal. Children that never started, already
// exited or are already stopping are left alone and nil is returned.
func (c *Child) Terminate() error {
	c.mu.Lock()
	if !c.started || c.stopping || c.exited() {
		c.mu.Unlock()
		return nil
	}

	sig, err := ParseSignal(c.Config.StopSignal)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.stopping = true
	c.status = Stopping
	proc := c.cmd.Process
	logrus.Infof("Stopping process: %s (PID: %d) with %s", c.Name, proc.Pid, sig)
	if c.Config.StopWait > 0 {
		c.killTimer = time.AfterFunc(c.Config.StopWait, c.kill)
	}
	c.unlockAndEmit()

	if err := signalProcess(proc, sig); err != nil {
		return errors.Wrapf(err, "signal %s (PID: %d)", c.Name, proc.Pid)
	}
	return nil
}

func (c *Child) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited() {
		return
	}
	logrus.Warnf("Process %s did not stop within %s, killing its process group", c.Name, c.Config.StopWait)
	if err := killGroup(c.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logrus.Errorf("Failed to kill %s: %v", c.Name, err)
	}
}

// Wait blocks until the process has exited and returns its exit error. It returns
// immediately for a child that was never started and is safe to call repeatedly.
func (c *Child) Wait() error {
	c.mu.Lock()
	attempted := c.attempted
	c.mu.Unlock()
	if !attempted {
		return nil
	}

	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Done is closed once the process has exited or failed to start and the final status
// has been reported.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Started reports whether the process was actually launched.
func (c *Child) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Child) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *Child) infoLocked() Info {
	info := Info{
		Name:      c.Name,
		Status:    c.status,
		StartTime: c.startTime,
		ExitCode:  c.exitCode,
		ExitError: c.exitErr,
	}
	if c.cmd != nil && c.cmd.Process != nil {
		info.PID = c.cmd.Process.Pid
	}
	return info
}

func (c *Child) exited() bool {
	return c.finished
}

// unlockAndEmit releases c.mu and reports the state it guarded. Notifications are
// delivered in transition order, never while c.mu is held.
func (c *Child) unlockAndEmit() {
	if c.notify == nil {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, c.infoLocked())
	c.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, info := range batch {
			c.notify(info)
		}
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
