// Package config assembles asimapd's command-line, environment, and
// YAML log-config inputs into one Config (spec.md §6). Flags are
// defined with github.com/urfave/cli/v2, in the style of the pack's
// madmail internal/cli/app.go cli.App; the YAML log-config loader
// follows raven's internal/conf/config.go yaml.Unmarshal-onto-struct
// pattern.
package config

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved set of inputs the dispatcher needs to
// start listening.
type Config struct {
	Address string
	Port    int
	Cert    string
	Key     string
	Debug   bool

	Trace    bool
	TraceDir string

	LogConfig string
	LogLevels LogConfig

	PasswordFile string

	MHFileLocking bool
}

// LogConfig is the shape of the YAML file named by --log-config: a set
// of per-component minimum levels, layered over zap's default
// production config.
type LogConfig struct {
	Level     string            `yaml:"level"`
	Component map[string]string `yaml:"component"`
}

// ExitCodes, per spec.md §6.
const (
	ExitOK        = 0
	ExitBadCLI    = 2
	ExitCertError = 3
	ExitBindError = 4
)

// Flags returns the urfave/cli flag set for asimapd's single "run"
// behavior; env var fallbacks mirror spec.md §6's table.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "address", Value: "", EnvVars: []string{"ADDRESS"}, Usage: "listen address"},
		&cli.IntFlag{Name: "port", Value: 993, EnvVars: []string{"PORT"}, Usage: "IMAPS listen port"},
		&cli.StringFlag{Name: "cert", Value: "/opt/asimap/ssl/cert.pem", EnvVars: []string{"SSL_CERT"}, Usage: "TLS certificate (PEM)"},
		&cli.StringFlag{Name: "key", Value: "/opt/asimap/ssl/key.pem", EnvVars: []string{"SSL_KEY"}, Usage: "TLS private key (PEM)"},
		&cli.BoolFlag{Name: "debug", EnvVars: []string{"DEBUG"}, Usage: "verbose logging and debug HTTP mux"},
		&cli.BoolFlag{Name: "trace", Usage: "record every post-auth IMAP frame"},
		&cli.StringFlag{Name: "trace-dir", EnvVars: []string{"TRACE_DIR"}, Usage: "directory for trace logs"},
		&cli.StringFlag{Name: "log-config", EnvVars: []string{"LOG_CONFIG"}, Usage: "YAML per-component log level file"},
		&cli.StringFlag{Name: "pwfile", EnvVars: []string{"PWFILE"}, Usage: "password file path"},
		&cli.BoolFlag{Name: "enable-mh-file-locking", EnvVars: []string{"ENABLE_MH_FILE_LOCKING"}, Usage: "advisory-lock .mh_sequences on every access"},
	}
}

// FromCLI builds a Config from a populated cli.Context (after
// app.Action is invoked), loading the YAML log-config file if named.
func FromCLI(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Address:       c.String("address"),
		Port:          c.Int("port"),
		Cert:          c.String("cert"),
		Key:           c.String("key"),
		Debug:         c.Bool("debug"),
		Trace:         c.Bool("trace"),
		TraceDir:      c.String("trace-dir"),
		LogConfig:     c.String("log-config"),
		PasswordFile:  c.String("pwfile"),
		MHFileLocking: c.Bool("enable-mh-file-locking"),
	}
	if cfg.PasswordFile == "" {
		return nil, fmt.Errorf("config: --pwfile is required")
	}
	if cfg.LogConfig != "" {
		lc, err := loadLogConfig(cfg.LogConfig)
		if err != nil {
			return nil, err
		}
		cfg.LogLevels = *lc
	}
	return cfg, nil
}

func loadLogConfig(path string) (*LogConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading log config: %w", err)
	}
	var lc LogConfig
	if err := yaml.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("config: parsing log config: %w", err)
	}
	return &lc, nil
}
