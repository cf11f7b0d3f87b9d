package main

import (
	"os"

	"github.com/kolkov/pairsv/internal/config"
	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const program = "pairsv"

// Global holds the flags shared by every command.
type Global struct {
	ConfigFile string
	EnvFile    string
	LogFile    string
	Debug      bool
}

var (
	GlobalConfig Global
	GlobalFlags  = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to configuration file",
			EnvVars:     []string{"PAIRSV_CONFIG"},
			Value:       "pairsv.yaml",
			Destination: &GlobalConfig.ConfigFile,
		},
		&cli.StringFlag{
			Name:        "env-file",
			Usage:       "Load environment variables from file (default: env_file from config, then .env if present)",
			EnvVars:     []string{"PAIRSV_ENV_FILE"},
			Destination: &GlobalConfig.EnvFile,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Aliases:     []string{"l"},
			Usage:       "Write supervisor logs to a rotated file",
			EnvVars:     []string{"PAIRSV_LOG_FILE"},
			Destination: &GlobalConfig.LogFile,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "Enable debug logging",
			EnvVars:     []string{"PAIRSV_DEBUG"},
			Destination: &GlobalConfig.Debug,
		},
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   program,
		Usage:  "Start a server, then a dashboard, and stop both together",
		Flags:  GlobalFlags,
		Before: setupLogging,
		Action: runAction,
		Commands: []*cli.Command{
			newRunCommand(),
			newStatusCommand(),
			newListCommand(),
			newInitCommand(),
		},
	}
}

func setupLogging(c *cli.Context) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if GlobalConfig.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if GlobalConfig.LogFile != "" {
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   GlobalConfig.LogFile,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}
	return nil
}

// loadConfig reads the config file, falling back to defaults when the default file is
// missing, then loads the env file and resolves the server port.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	path := GlobalConfig.ConfigFile
	if _, err := os.Stat(path); err == nil || c.IsSet("config") {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, errors.Wrap(err, "config load failed")
		}
		cfg = loaded
	} else {
		logrus.Debugf("Config %s not found, using defaults", path)
	}

	// .env необязателен, явно указанный файл обязателен
	envFile := cfg.EnvFile
	if envFile == "" {
		envFile = config.DefaultEnvFile
	}
	required := envFile != config.DefaultEnvFile
	if GlobalConfig.EnvFile != "" {
		envFile, required = GlobalConfig.EnvFile, true
	}
	loaded, err := config.LoadEnvFile(envFile, required)
	if err != nil {
		return nil, err
	}
	if loaded {
		logrus.Infof("Loaded environment from %s", envFile)
	}

	cfg.Port = cfg.ResolvePort(os.LookupEnv)
	if !config.ValidPort(cfg.Port) {
		logrus.Warnf("%s=%q is not a valid port, passing it to %s as is", config.PortEnv, cfg.Port, cfg.Server.Name)
	}
	return cfg, nil
}
