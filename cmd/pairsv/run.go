package main

import (
	"context"
	"os"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/kolkov/pairsv/internal/api"
	"github.com/kolkov/pairsv/internal/config"
	"github.com/kolkov/pairsv/internal/metrics"
	"github.com/kolkov/pairsv/internal/supervisor"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type Run struct {
	TUI         bool
	GRPCAddr    string
	MetricsAddr string
	Delay       time.Duration
}

var RunConfig Run

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the server and the dashboard (default)",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "tui",
				Usage:       "Enable terminal UI mode",
				Destination: &RunConfig.TUI,
			},
			&cli.StringFlag{
				Name:        "grpc-addr",
				Usage:       "Serve gRPC health status on this address (overrides grpc_addr)",
				EnvVars:     []string{"PAIRSV_GRPC_ADDR"},
				Destination: &RunConfig.GRPCAddr,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "Serve Prometheus metrics on this address (overrides metrics_addr)",
				EnvVars:     []string{"PAIRSV_METRICS_ADDR"},
				Destination: &RunConfig.MetricsAddr,
			},
			&cli.DurationFlag{
				Name:        "delay",
				Usage:       "Pause between starting the server and the dashboard (overrides delay)",
				Value:       config.DefaultDelay,
				Destination: &RunConfig.Delay,
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	if c.IsSet("delay") {
		cfg.Delay = RunConfig.Delay
	}
	if RunConfig.GRPCAddr != "" {
		cfg.GRPCAddr = RunConfig.GRPCAddr
	}
	if RunConfig.MetricsAddr != "" {
		cfg.MetricsAddr = RunConfig.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err, 1)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sv := supervisor.New(cfg)
	sv.Subscribe(notifySystemd)

	if cfg.GRPCAddr != "" {
		srv := api.NewServer(sv)
		if err := srv.ListenAndServe(cfg.GRPCAddr); err != nil {
			return cli.Exit(err, 1)
		}
		defer srv.Stop()
	}

	if cfg.MetricsAddr != "" {
		m := metrics.New()
		m.Attach(sv)
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				logrus.Errorf("Metrics: %v", err)
			}
		}()
	}

	if RunConfig.TUI {
		err = runTUI(ctx, cancel, sv)
	} else {
		err = sv.Run(ctx)
	}
	if err != nil {
		logrus.Errorf("%v", err)
	}

	if code := sv.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// runTUI runs the supervisor in the background while the terminal UI owns the screen.
func runTUI(ctx context.Context, cancel context.CancelFunc, sv *supervisor.Supervisor) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- sv.Run(ctx)
	}()

	if err := sv.RunTUI(cancel); err != nil {
		logrus.Errorf("TUI failed: %v", err)
		cancel()
	}
	err := <-errCh
	sv.PrintStatus(os.Stdout)
	return err
}

func notifySystemd(ev supervisor.Event) {
	if ev.Process != nil {
		return
	}
	var state string
	switch ev.State {
	case supervisor.Running:
		state = systemd.SdNotifyReady
	case supervisor.Terminating:
		state = systemd.SdNotifyStopping
	default:
		return
	}
	if _, err := systemd.SdNotify(false, state); err != nil {
		logrus.Debugf("sd_notify %s: %v", state, err)
	}
}
