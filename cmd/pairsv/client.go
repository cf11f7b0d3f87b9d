package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kolkov/pairsv/internal/api"
	"github.com/kolkov/pairsv/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultStatusAddr = "localhost:50051"

type Status struct {
	Addr    string
	JSON    bool
	Timeout time.Duration
}

var StatusConfig Status

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Query a running supervisor over gRPC",
		ArgsUsage: "[process...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "Supervisor gRPC address (default: grpc_addr from config, then " + defaultStatusAddr + ")",
				EnvVars:     []string{"PAIRSV_ADDR"},
				Destination: &StatusConfig.Addr,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "Print one JSON object per service",
				Destination: &StatusConfig.JSON,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "Timeout for the whole query",
				Value:       5 * time.Second,
				Destination: &StatusConfig.Timeout,
			},
		},
		Action: statusAction,
	}
}

// statusAction exits 1 when the supervisor is not RUNNING.
func statusAction(c *cli.Context) error {
	names := c.Args().Slice()
	addr := StatusConfig.Addr
	if addr == "" || len(names) == 0 {
		cfg, err := loadConfig(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		if addr == "" {
			addr = cfg.GRPCAddr
		}
		if len(names) == 0 {
			names = []string{cfg.Server.Name, cfg.Dashboard.Name}
		}
	}
	if addr == "" {
		addr = defaultStatusAddr
	}

	conn, err := api.Dial(addr)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Context, StatusConfig.Timeout)
	defer cancel()

	statuses, err := api.Check(ctx, conn, names)
	if err != nil {
		return cli.Exit(fmt.Sprintf("gRPC error: %v", err), 1)
	}

	if !StatusConfig.JSON {
		fmt.Printf("Supervisor %s status:\n", addr)
	}
	if err := api.WriteStatuses(os.Stdout, statuses, StatusConfig.JSON); err != nil {
		return cli.Exit(err, 1)
	}
	if statuses[0].Response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return cli.Exit("", 1)
	}
	return nil
}

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "List configured processes",
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	fmt.Println("\nConfigured processes:")
	for i, p := range []config.ProcessConfig{cfg.Server, cfg.Dashboard} {
		fmt.Printf("%d. %s\n", i+1, p.Name)
		fmt.Printf("   Command: %s %s\n", p.Command, strings.Join(cfg.ExpandArgs(p.Args), " "))
		if p.Directory != "" {
			fmt.Printf("   Directory: %s\n", p.Directory)
		}
		fmt.Printf("   Stop signal: %s, Stop wait: %s\n", p.StopSignal, stopWaitString(p.StopWait))
		fmt.Println()
	}
	fmt.Printf("Delay before %s: %s\n", cfg.Dashboard.Name, cfg.Delay)
	return nil
}

func stopWaitString(d time.Duration) string {
	if d == 0 {
		return "forever"
	}
	return d.String()
}

func newInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write the default configuration file if it does not exist",
		Action: func(c *cli.Context) error {
			created, err := config.WriteDefault(GlobalConfig.ConfigFile)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if created {
				logrus.Infof("Created default config at %s", GlobalConfig.ConfigFile)
			} else {
				logrus.Infof("Config %s already exists", GlobalConfig.ConfigFile)
			}
			return nil
		},
	}
}
