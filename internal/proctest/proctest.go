// Package proctest turns a test binary into a controllable child process.
//
// Tests call MaybeRun from TestMain. When the binary is started with EnvMode set it
// behaves as a helper process instead of running tests.
package proctest

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kolkov/pairsv/internal/config"
)

const (
	EnvMode   = "PAIRSV_HELPER"
	EnvCode   = "PAIRSV_HELPER_CODE"
	EnvMarker = "PAIRSV_HELPER_MARKER"
)

const (
	// ModeServe prints its arguments and waits for SIGINT/SIGTERM.
	ModeServe = "serve"
	// ModeListen binds 127.0.0.1:$PORT before serving.
	ModeListen = "listen"
	// ModeExit exits right away with EnvCode.
	ModeExit = "exit"
	// ModeStubborn ignores SIGTERM and SIGINT.
	ModeStubborn = "stubborn"
	// ModeStubbornTree starts a stubborn child in the same process group, writes the
	// child's PID to EnvMarker and then behaves like ModeStubborn.
	ModeStubbornTree = "stubborn-tree"
)

// MaybeRun runs the helper and exits when the process was started as one.
func MaybeRun() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode))
}

// Process returns a config that starts this binary in mode.
func Process(name, mode string, env map[string]string, args ...string) config.ProcessConfig {
	e := map[string]string{EnvMode: mode}
	for k, v := range env {
		e[k] = v
	}
	return config.ProcessConfig{
		Name:        name,
		Command:     os.Args[0],
		Args:        args,
		Environment: e,
		StopSignal:  config.DefaultStopSignal,
	}
}

func run(mode string) int {
	// До первого вывода и до listen: "ready" и открытый порт означают, что сигнал будет пойман
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("args: %s\n", strings.Join(os.Args[1:], " "))
	fmt.Fprintf(os.Stderr, "mode: %s\n", mode)

	switch mode {
	case ModeExit:
		code, _ := strconv.Atoi(os.Getenv(EnvCode))
		return code
	case ModeStubbornTree:
		cmd := exec.Command(os.Args[0])
		cmd.Env = append(os.Environ(), EnvMode+"="+ModeStubborn, EnvMarker+"=")
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "start child: %v\n", err)
			return 1
		}
		os.WriteFile(os.Getenv(EnvMarker), []byte(strconv.Itoa(cmd.Process.Pid)), 0644)
		fallthrough
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM, syscall.SIGINT)
		fmt.Println("ready")
		for {
			time.Sleep(time.Hour)
		}
	case ModeListen:
		lis, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", os.Getenv(config.PortEnv)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "listen: %v\n", err)
			return 1
		}
		defer lis.Close()
		go func() {
			for {
				conn, err := lis.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}()
	}

	fmt.Println("ready")

	sig := <-sigCh
	if marker := os.Getenv(EnvMarker); marker != "" {
		os.WriteFile(marker, []byte(sig.String()), 0644)
	}
	fmt.Printf("got %s\n", sig)
	return 0
}
