package supervisor

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kolkov/pairsv/internal/config"
	"github.com/kolkov/pairsv/internal/process"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrServerExited is returned by Start when the server dies before the dashboard
// is launched.
var ErrServerExited = errors.New("server exited during startup")

const probeInterval = 200 * time.Millisecond

type Option func(*Supervisor)

// WithOutput sets the initial sink for children's output.
func WithOutput(w io.Writer) Option {
	return func(s *Supervisor) { s.out.SetOutput(w) }
}

// WithSignals overrides the signals Run treats as a termination request.
func WithSignals(sigs ...os.Signal) Option {
	return func(s *Supervisor) { s.signals = sigs }
}

// Supervisor starts the server, waits, starts the dashboard and stops both on
// request. Callbacks passed to Subscribe must not call Start or Terminate.
type Supervisor struct {
	cfg       *config.Config
	server    *process.Child
	dashboard *process.Child
	out       *process.SyncWriter
	signals   []os.Signal

	mu         sync.Mutex
	state      State
	observers  []func(Event)
	pending    []Event
	terminated bool
	startErr   error

	emitMu sync.Mutex

	// launchMu упорядочивает запуск процессов и запрос на остановку
	launchMu  sync.Mutex
	quit      chan struct{}
	quitOnce  sync.Once
	startOnce sync.Once
	startDone chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

func New(cfg *config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		out:       process.NewSyncWriter(os.Stdout),
		signals:   []os.Signal{os.Interrupt, syscall.SIGTERM},
		state:     Init,
		quit:      make(chan struct{}),
		startDone: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = process.New(s.childConfig(cfg.Server),
		process.WithOutput(s.out), process.WithColor(color.FgCyan), process.WithNotify(s.onChild))
	s.dashboard = process.New(s.childConfig(cfg.Dashboard),
		process.WithOutput(s.out), process.WithColor(color.FgMagenta), process.WithNotify(s.onChild))
	return s
}

func (s *Supervisor) childConfig(pc config.ProcessConfig) config.ProcessConfig {
	pc.Args = s.cfg.ExpandArgs(pc.Args)
	return pc
}

// Run registers the termination signals, starts both processes and blocks until both
// have exited. Cancelling ctx is the same as receiving a signal.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.signals...)
	defer signal.Stop(sigCh)

	go func() {
		requested := false
		ctxDone := ctx.Done()
		for {
			select {
			case sig := <-sigCh:
				if requested {
					logrus.Infof("Received %s, already shutting down", sig)
					continue
				}
				requested = true
				go s.Terminate(sig)
			case <-ctxDone:
				// Закрытый канал всегда готов, больше его не ждём
				ctxDone = nil
				if !requested {
					requested = true
					go s.Terminate(nil)
				}
			case <-s.stopped:
				return
			}
		}
	}()

	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// Start launches the server, waits the configured delay and launches the dashboard.
// If the server cannot be launched the dashboard is never attempted. A termination
// request during startup makes Start return nil early.
func (s *Supervisor) Start(ctx context.Context) error {
	err := errors.New("supervisor already started")
	s.startOnce.Do(func() {
		defer close(s.startDone)
		err = s.start(ctx)
		if err != nil {
			s.mu.Lock()
			s.startErr = err
			s.mu.Unlock()
			logrus.Errorf("Startup failed: %v", err)
			s.Terminate(nil)
		}
	})
	return err
}

func (s *Supervisor) start(ctx context.Context) error {
	ok, err := s.launch(s.server, LaunchingServer)
	if err != nil || !ok {
		return err
	}

	if !s.transition(WaitingDelay) {
		return nil
	}
	logrus.Infof("Waiting %s before starting %s", s.cfg.Delay, s.dashboard.Name)

	timer := time.NewTimer(s.cfg.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.server.Done():
		return s.serverExited()
	case <-s.quit:
		return nil
	case <-ctx.Done():
		s.Terminate(nil)
		return nil
	}

	if s.cfg.ReadyProbe == config.ProbeTCP {
		if err := s.probe(ctx); err != nil {
			return err
		}
	}

	ok, err = s.launch(s.dashboard, LaunchingDashboard)
	if err != nil || !ok {
		return err
	}

	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	if s.transition(Running) {
		logrus.Info("Supervisor started")
	}
	return nil
}

// launch reports false when termination was requested before c could be started.
func (s *Supervisor) launch(c *process.Child, st State) (bool, error) {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	if s.quitting() {
		return false, nil
	}
	s.transition(st)
	if err := c.Start(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Supervisor) serverExited() error {
	info := s.server.Info()
	return errors.Wrapf(ErrServerExited, "%s (PID: %d) exited with status %d", info.Name, info.PID, info.ExitCode)
}

// probe dials the server port until it accepts a connection.
func (s *Supervisor) probe(ctx context.Context) error {
	addr := net.JoinHostPort(probeHost(s.cfg.Host), s.cfg.Port)
	logrus.Infof("Waiting for %s to accept connections on %s", s.server.Name, addr)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, probeInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		logrus.Debugf("Probe %s: %v", addr, err)

		select {
		case <-ticker.C:
		case <-s.server.Done():
			return s.serverExited()
		case <-s.quit:
			return nil
		case <-ctx.Done():
			s.Terminate(nil)
			return nil
		}
	}
}

func probeHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}

// Terminate sends the stop signal to both children and blocks until both have exited
// and the supervisor is STOPPED. It may be called any number of times from any
// goroutine; only the first call signals the children.
func (s *Supervisor) Terminate(sig os.Signal) {
	s.quitOnce.Do(func() {
		s.launchMu.Lock()
		close(s.quit)
		s.mu.Lock()
		s.terminated = true
		s.mu.Unlock()
		s.transition(Terminating)
		s.launchMu.Unlock()

		if sig != nil {
			logrus.Infof("Received %s, shutting down...", sig)
		} else {
			logrus.Info("Shutting down...")
		}

		var g errgroup.Group
		for _, c := range s.children() {
			g.Go(func() error {
				if err := c.Terminate(); err != nil {
					logrus.Warnf("Failed to stop %s: %v", c.Name, err)
				}
				c.Wait()
				return nil
			})
		}
		g.Wait()
		s.finish()
	})
	<-s.stopped
}

// Wait blocks until Start has returned and both children have exited, whether on
// their own or through Terminate. It returns the dashboard's exit error, matching a
// shell "wait" on both PIDs; after a termination request it returns nil.
func (s *Supervisor) Wait() error {
	<-s.startDone

	s.server.Wait()
	err := s.dashboard.Wait()

	if s.quitting() {
		<-s.stopped
	} else {
		s.finish()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if s.terminated {
		return nil
	}
	return err
}

func (s *Supervisor) finish() {
	s.stopOnce.Do(func() {
		s.transition(Stopped)
		logrus.Info("All processes stopped")
		close(s.stopped)
	})
}

// ExitCode is the status the supervisor should exit with once stopped.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.startErr != nil:
		return 1
	case s.terminated:
		return 0
	}
	code := s.dashboard.Info().ExitCode
	if code < 0 {
		return 1
	}
	return code
}

func (s *Supervisor) quitting() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Supervisor) children() []*process.Child {
	return []*process.Child{s.server, s.dashboard}
}

// Subscribe registers fn for every Event. Register before Start.
func (s *Supervisor) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the server and the dashboard, in launch order.
func (s *Supervisor) Status() []process.Info {
	return []process.Info{s.server.Info(), s.dashboard.Info()}
}

// Stopped is closed once the supervisor reaches STOPPED.
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Supervisor) Server() *process.Child    { return s.server }
func (s *Supervisor) Dashboard() *process.Child { return s.dashboard }

func (s *Supervisor) transition(to State) bool {
	s.mu.Lock()
	if !allowed(s.state, to) {
		s.mu.Unlock()
		return false
	}
	logrus.Debugf("Supervisor state %s -> %s", s.state, to)
	s.state = to
	s.pending = append(s.pending, Event{State: to})
	s.unlockAndDeliver()
	return true
}

func (s *Supervisor) onChild(info process.Info) {
	s.mu.Lock()
	s.pending = append(s.pending, Event{State: s.state, Process: &info})
	s.unlockAndDeliver()
}

func (s *Supervisor) unlockAndDeliver() {
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		observers := s.observers
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			for _, fn := range observers {
				fn(ev)
			}
		}
	}
}
