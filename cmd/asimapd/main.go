// Command asimapd is the IMAP4rev1 server (spec.md §4): a privileged
// dispatcher process that accepts TLS connections and authenticates
// them, handing each off to a per-user worker process re-exec'd from
// this same binary under the "worker" subcommand.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/scanner/asimap/internal/config"
	"github.com/scanner/asimap/internal/dispatcher"
	"github.com/scanner/asimap/internal/userserver"
)

func main() {
	app := &cli.App{
		Name:  "asimapd",
		Usage: "IMAP4rev1 server over an MH-format mailstore",
		Description: "asimapd listens for IMAPS connections, authenticates against a flat\n" +
			"password file, and spawns one privilege-dropped worker process per\n" +
			"account to serve that account's mail.",
		Flags:  config.Flags(),
		Action: runDispatcher,
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Hidden: true,
				Usage:  "internal: run as a per-user worker (spawned by the dispatcher)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "maildir-root", Required: true},
					&cli.StringFlag{Name: "control-socket", Required: true},
					&cli.StringFlag{Name: "trace-dir"},
					&cli.BoolFlag{Name: "enable-mh-file-locking", EnvVars: []string{"ENABLE_MH_FILE_LOCKING"}},
				},
				Action: runWorker,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitBadCLI)
	}
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func runDispatcher(c *cli.Context) error {
	cfg, err := config.FromCLI(c)
	if err != nil {
		return cli.Exit(err, config.ExitBadCLI)
	}
	log := newLogger(cfg.Debug)
	defer log.Sync()

	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		log.Error("failed to load TLS certificate", zap.Error(err))
		return cli.Exit(err, config.ExitCertError)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	execPath, err := os.Executable()
	if err != nil {
		return cli.Exit(err, config.ExitBindError)
	}

	traceDir := ""
	if cfg.Trace {
		traceDir = cfg.TraceDir
	}
	d := dispatcher.New(cfg.Address, cfg.Port, tlsConfig, cfg.PasswordFile, execPath, traceDir, log)
	if err := d.Serve(); err != nil {
		log.Error("dispatcher exited", zap.Error(err))
		return cli.Exit(err, config.ExitBindError)
	}
	return nil
}

func runWorker(c *cli.Context) error {
	log := newLogger(os.Getenv("DEBUG") != "")
	defer log.Sync()

	maildirRoot := c.String("maildir-root")
	sockPath := c.String("control-socket")
	locking := c.Bool("enable-mh-file-locking")
	traceDir := c.String("trace-dir")

	w, err := userserver.New(maildirRoot, locking, sockPath, traceDir, log)
	if err != nil {
		return cli.Exit(err, config.ExitBadCLI)
	}
	return w.Run(context.Background())
}
