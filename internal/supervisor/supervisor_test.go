//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/kolkov/pairsv/internal/config"
	"github.com/kolkov/pairsv/internal/process"
	"github.com/kolkov/pairsv/internal/proctest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 300 * time.Millisecond

func TestMain(m *testing.M) {
	proctest.MaybeRun()
	color.NoColor = true
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, ev := range l.events {
		if ev.Process == nil {
			out = append(out, ev.State)
		}
	}
	return out
}

// indexOf returns the position of the first event matching fn or -1.
func (l *eventLog) indexOf(fn func(Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ev := range l.events {
		if fn(ev) {
			return i
		}
	}
	return -1
}

func newTestConfig(server, dashboard config.ProcessConfig) *config.Config {
	cfg := config.Default()
	cfg.Delay = testDelay
	cfg.Server = server
	cfg.Dashboard = dashboard
	return cfg
}

func serving(t *testing.T, name string) (config.ProcessConfig, string) {
	marker := filepath.Join(t.TempDir(), name+".marker")
	return proctest.Process(name, proctest.ModeServe, map[string]string{proctest.EnvMarker: marker}), marker
}

// waitReady waits until every named helper has printed "ready", after which it
// handles SIGINT and SIGTERM.
func waitReady(t *testing.T, out *lockedBuffer, names ...string) {
	t.Helper()
	for _, name := range names {
		re := regexp.MustCompile(`\[` + regexp.QuoteMeta(name) + `\]\[\d+\] ready`)
		require.Eventually(t, func() bool { return re.MatchString(out.String()) },
			10*time.Second, 10*time.Millisecond, "%s not ready", name)
	}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 10*time.Second, 10*time.Millisecond)
}

func TestLaunchOrderAndDelay(t *testing.T) {
	server, _ := serving(t, "server")
	dashboard, _ := serving(t, "dashboard")
	s := New(newTestConfig(server, dashboard), WithOutput(&lockedBuffer{}))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Running, s.State())

	srv, dash := s.Server().Info(), s.Dashboard().Info()
	assert.Equal(t, process.Running, srv.Status)
	assert.Equal(t, process.Running, dash.Status)
	assert.GreaterOrEqual(t, dash.StartTime.Sub(srv.StartTime), testDelay)

	s.Terminate(syscall.SIGTERM)
	assert.Equal(t, Stopped, s.State())
	assert.NoError(t, s.Wait())
	assert.Equal(t, 0, s.ExitCode())
}

func TestServerGetsResolvedPort(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "PORT unset", env: map[string]string{}, want: "--host 0.0.0.0 --port 8080"},
		{name: "PORT=9090", env: map[string]string{"PORT": "9090"}, want: "--host 0.0.0.0 --port 9090"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := proctest.Process("server", proctest.ModeServe, nil, "--host", "${HOST}", "--port", "${PORT}")
			dashboard, _ := serving(t, "dashboard")
			cfg := newTestConfig(server, dashboard)
			cfg.Delay = 0
			cfg.Port = cfg.ResolvePort(func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			})

			out := &lockedBuffer{}
			s := New(cfg, WithOutput(out))
			require.NoError(t, s.Start(context.Background()))
			require.Eventually(t, func() bool {
				return strings.Contains(out.String(), "[server]") && strings.Contains(out.String(), "args: "+tt.want)
			}, 10*time.Second, 10*time.Millisecond)

			s.Terminate(syscall.SIGTERM)
			assert.NoError(t, s.Wait())
		})
	}
}

func TestServerLaunchFailureSkipsDashboard(t *testing.T) {
	server := proctest.Process("server", proctest.ModeServe, nil)
	server.Command = filepath.Join(t.TempDir(), "missing")
	dashboard, marker := serving(t, "dashboard")
	s := New(newTestConfig(server, dashboard), WithOutput(&lockedBuffer{}))

	err := s.Start(context.Background())
	require.Error(t, err)

	assert.False(t, s.Dashboard().Started())
	assert.Equal(t, 0, s.Dashboard().Info().PID)
	assert.Equal(t, Stopped, s.State())
	assert.Error(t, s.Wait())
	assert.Equal(t, 1, s.ExitCode())
	assert.NoFileExists(t, marker)
}

func TestServerExitDuringDelay(t *testing.T) {
	server := proctest.Process("server", proctest.ModeExit, map[string]string{proctest.EnvCode: "1"})
	dashboard, _ := serving(t, "dashboard")
	cfg := newTestConfig(server, dashboard)
	cfg.Delay = 5 * time.Second
	s := New(cfg, WithOutput(&lockedBuffer{}))

	start := time.Now()
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServerExited), err.Error())
	assert.Less(t, time.Since(start), cfg.Delay)

	assert.False(t, s.Dashboard().Started())
	assert.Equal(t, Stopped, s.State())
}

func TestDashboardLaunchFailureStopsServer(t *testing.T) {
	port := freePort(t)
	marker := filepath.Join(t.TempDir(), "server.marker")
	server := proctest.Process("server", proctest.ModeListen,
		map[string]string{"PORT": port, proctest.EnvMarker: marker})
	dashboard := proctest.Process("dashboard", proctest.ModeServe, nil)
	dashboard.Command = filepath.Join(t.TempDir(), "missing")
	cfg := newTestConfig(server, dashboard)
	cfg.Delay = 0
	cfg.Port = port
	// Порт открыт только после signal.Notify в помощнике
	cfg.ReadyProbe = config.ProbeTCP
	s := New(cfg, WithOutput(&lockedBuffer{}))

	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, process.Stopped, s.Server().Info().Status)
	assert.FileExists(t, marker)
}

func TestInterruptStopsBothChildren(t *testing.T) {
	server, serverMarker := serving(t, "server")
	dashboard, dashboardMarker := serving(t, "dashboard")
	out := &lockedBuffer{}
	s := New(newTestConfig(server, dashboard), WithOutput(out))
	events := &eventLog{}
	s.Subscribe(events.record)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	waitState(t, s, Running)
	waitReady(t, out, "server", "dashboard")
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	for _, marker := range []string{serverMarker, dashboardMarker} {
		data, err := os.ReadFile(marker)
		require.NoError(t, err)
		assert.Equal(t, syscall.SIGTERM.String(), string(data))
	}

	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, 0, s.ExitCode())
	assert.Equal(t,
		[]State{LaunchingServer, WaitingDelay, LaunchingDashboard, Running, Terminating, Stopped},
		events.states())

	stopped := events.indexOf(func(ev Event) bool { return ev.Process == nil && ev.State == Stopped })
	for _, name := range []string{"server", "dashboard"} {
		exited := events.indexOf(func(ev Event) bool {
			return ev.Process != nil && ev.Process.Name == name && ev.Process.Status == process.Stopped
		})
		require.NotEqual(t, -1, exited, name)
		assert.Less(t, exited, stopped, name)
	}
}

func TestRunCustomSignals(t *testing.T) {
	server, serverMarker := serving(t, "server")
	dashboard, _ := serving(t, "dashboard")
	out := &lockedBuffer{}
	s := New(newTestConfig(server, dashboard), WithOutput(out), WithSignals(syscall.SIGUSR1))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	waitState(t, s, Running)
	waitReady(t, out, "server", "dashboard")
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	data, err := os.ReadFile(serverMarker)
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGTERM.String(), string(data))
}

func TestTerminateDuringDelay(t *testing.T) {
	server, marker := serving(t, "server")
	dashboard, _ := serving(t, "dashboard")
	cfg := newTestConfig(server, dashboard)
	cfg.Delay = 10 * time.Second
	out := &lockedBuffer{}
	s := New(cfg, WithOutput(out))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()

	waitState(t, s, WaitingDelay)
	waitReady(t, out, "server")
	s.Terminate(syscall.SIGINT)

	require.NoError(t, <-errCh)
	assert.False(t, s.Dashboard().Started())
	assert.FileExists(t, marker)
	assert.Equal(t, Stopped, s.State())
	assert.NoError(t, s.Wait())
}

func TestTerminateBeforeStart(t *testing.T) {
	server, _ := serving(t, "server")
	dashboard, _ := serving(t, "dashboard")
	s := New(newTestConfig(server, dashboard), WithOutput(&lockedBuffer{}))

	s.Terminate(syscall.SIGTERM)
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Server().Started())
	assert.False(t, s.Dashboard().Started())
	assert.NoError(t, s.Wait())
}

func TestTerminateIsIdempotent(t *testing.T) {
	server, _ := serving(t, "server")
	dashboard := proctest.Process("dashboard", proctest.ModeExit, nil)
	s := New(newTestConfig(server, dashboard), WithOutput(&lockedBuffer{}))

	require.NoError(t, s.Start(context.Background()))
	<-s.Dashboard().Done()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Terminate(syscall.SIGTERM)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Wait())
	}()
	wg.Wait()

	assert.Equal(t, Stopped, s.State())
	s.Terminate(syscall.SIGINT)
	assert.Equal(t, Stopped, s.State())
}

func TestNaturalExitReachesStopped(t *testing.T) {
	server, _ := serving(t, "server")
	dashboard := proctest.Process("dashboard", proctest.ModeExit, map[string]string{proctest.EnvCode: "4"})
	out := &lockedBuffer{}
	s := New(newTestConfig(server, dashboard), WithOutput(out))

	require.NoError(t, s.Start(context.Background()))
	waitReady(t, out, "server")
	<-s.Dashboard().Done()
	// Дашборд завершился сам, супервизор ждёт сервер
	assert.Equal(t, Running, s.State())

	require.NoError(t, syscall.Kill(s.Server().Info().PID, syscall.SIGTERM))

	err := s.Wait()
	var exitErr *process.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 4, exitErr.Code)
	assert.Equal(t, 4, s.ExitCode())
	assert.Equal(t, Stopped, s.State())
}

func TestContextCancelStops(t *testing.T) {
	server, serverMarker := serving(t, "server")
	dashboard, dashboardMarker := serving(t, "dashboard")
	out := &lockedBuffer{}
	s := New(newTestConfig(server, dashboard), WithOutput(out))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitState(t, s, Running)
	waitReady(t, out, "server", "dashboard")
	cancel()

	require.NoError(t, <-errCh)
	assert.FileExists(t, serverMarker)
	assert.FileExists(t, dashboardMarker)
	assert.Equal(t, 0, s.ExitCode())
}

func cpuTime(t *testing.T) time.Duration {
	t.Helper()
	var ru syscall.Rusage
	require.NoError(t, syscall.Getrusage(syscall.RUSAGE_SELF, &ru))
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

func TestContextCancelWaitsIdle(t *testing.T) {
	server := proctest.Process("server", proctest.ModeStubborn, nil)
	server.StopWait = 3 * time.Second
	dashboard, _ := serving(t, "dashboard")
	out := &lockedBuffer{}
	s := New(newTestConfig(server, dashboard), WithOutput(out))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitState(t, s, Running)
	waitReady(t, out, "server", "dashboard")
	cancel()
	waitState(t, s, Terminating)

	// Сервер игнорирует SIGTERM, супервизор ждёт stop_wait без нагрузки на CPU
	before := cpuTime(t)
	time.Sleep(time.Second)
	used := cpuTime(t) - before
	assert.Less(t, used, 300*time.Millisecond)
	assert.Equal(t, Terminating, s.State())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	var exitErr *process.ExitError
	require.True(t, errors.As(s.Server().Info().ExitError, &exitErr))
	assert.Equal(t, "SIGKILL", exitErr.Signal)
}

func freePort(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return strconv.Itoa(lis.Addr().(*net.TCPAddr).Port)
}

func TestReadyProbe(t *testing.T) {
	port := freePort(t)
	server := proctest.Process("server", proctest.ModeListen, map[string]string{"PORT": port})
	dashboard, _ := serving(t, "dashboard")
	cfg := newTestConfig(server, dashboard)
	cfg.Delay = 0
	cfg.Port = port
	cfg.ReadyProbe = config.ProbeTCP
	s := New(cfg, WithOutput(&lockedBuffer{}))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Running, s.State())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	conn.Close()

	s.Terminate(syscall.SIGTERM)
	assert.NoError(t, s.Wait())
}

func TestPrintStatus(t *testing.T) {
	server, _ := serving(t, "server")
	dashboard, _ := serving(t, "dashboard")
	cfg := newTestConfig(server, dashboard)
	cfg.Delay = 0
	s := New(cfg, WithOutput(&lockedBuffer{}))

	var before bytes.Buffer
	s.PrintStatus(&before)
	assert.Contains(t, before.String(), "PAIRSV STATUS init")
	assert.Contains(t, before.String(), "N/A")

	require.NoError(t, s.Start(context.Background()))
	var during bytes.Buffer
	s.PrintStatus(&during)
	assert.Contains(t, during.String(), "server")
	assert.Contains(t, during.String(), "dashboard")
	assert.Contains(t, during.String(), "running")
	assert.Contains(t, during.String(), strconv.Itoa(s.Server().Info().PID))
	assert.Contains(t, during.String(), "Running: 2")

	s.Terminate(syscall.SIGTERM)
}
