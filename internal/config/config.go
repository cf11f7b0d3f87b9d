package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// PortEnv переопределяет порт серверного процесса.
	PortEnv     = "PORT"
	DefaultPort = "8080"
	DefaultHost = "0.0.0.0"

	DefaultDelay      = 2 * time.Second
	DefaultStopSignal = "SIGTERM"
	DefaultEnvFile    = ".env"

	// ProbeTCP включает активную проверку порта после фиксированной паузы.
	ProbeTCP = "tcp"
)

type Config struct {
	Host        string        `yaml:"host"`
	Port        string        `yaml:"port"`
	Delay       time.Duration `yaml:"delay"`
	ReadyProbe  string        `yaml:"ready_probe,omitempty"`
	EnvFile     string        `yaml:"env_file,omitempty"`
	GRPCAddr    string        `yaml:"grpc_addr,omitempty"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
	Server      ProcessConfig `yaml:"server"`
	Dashboard   ProcessConfig `yaml:"dashboard"`
}

type ProcessConfig struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Directory   string            `yaml:"directory,omitempty"`
	Environment map[string]string `yaml:"env,omitempty"`
	StopSignal  string            `yaml:"stop_signal,omitempty"`
	// StopWait == 0 означает ждать завершения бесконечно.
	StopWait time.Duration `yaml:"stop_wait,omitempty"`
}

func Default() *Config {
	return &Config{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Delay:   DefaultDelay,
		EnvFile: DefaultEnvFile,
		Server: ProcessConfig{
			Name:       "server",
			Command:    "uvicorn",
			Args:       []string{"app:app", "--host", "${HOST}", "--port", "${PORT}", "--reload"},
			StopSignal: DefaultStopSignal,
		},
		Dashboard: ProcessConfig{
			Name:       "dashboard",
			Command:    "streamlit",
			Args:       []string{"run", "dashboard.py"},
			StopSignal: DefaultStopSignal,
		},
	}
}

// Load reads a YAML file on top of Default.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", filename)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", filename)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == "" {
		c.Port = DefaultPort
	}
	for _, p := range []*ProcessConfig{&c.Server, &c.Dashboard} {
		if p.Directory != "" {
			if abs, err := filepath.Abs(p.Directory); err == nil {
				p.Directory = abs
			}
		}
		if p.StopSignal == "" {
			p.StopSignal = DefaultStopSignal
		}
	}
}

func (c *Config) Validate() error {
	if c.Delay < 0 {
		return errors.Errorf("delay must not be negative: %s", c.Delay)
	}
	if c.ReadyProbe != "" && c.ReadyProbe != ProbeTCP {
		return errors.Errorf("unknown ready_probe: %q", c.ReadyProbe)
	}
	for _, p := range []ProcessConfig{c.Server, c.Dashboard} {
		if p.Name == "" {
			return errors.New("process name is required")
		}
		if p.Command == "" {
			return errors.Errorf("process %s: command is required", p.Name)
		}
		if p.StopWait < 0 {
			return errors.Errorf("process %s: stop_wait must not be negative", p.Name)
		}
	}
	if c.Server.Name == c.Dashboard.Name {
		return errors.Errorf("process names must differ: %s", c.Server.Name)
	}
	return nil
}

// ResolvePort повторяет ${PORT:-default}: пустое значение считается отсутствующим,
// любое другое передаётся как есть.
func (c *Config) ResolvePort(lookup func(string) (string, bool)) string {
	if v, ok := lookup(PortEnv); ok && v != "" {
		return v
	}
	if c.Port != "" {
		return c.Port
	}
	return DefaultPort
}

// ValidPort reports whether port is a TCP port number.
func ValidPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}

// ExpandArgs подставляет только ${HOST} и ${PORT}. Остальные "$" в аргументах
// передаются процессу как есть.
func (c *Config) ExpandArgs(args []string) []string {
	r := strings.NewReplacer("${HOST}", c.Host, "${"+PortEnv+"}", c.Port)

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// WriteDefault creates path with the default config unless it already exists.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, errors.Wrap(err, "failed to create default config")
	}
	return true, nil
}
