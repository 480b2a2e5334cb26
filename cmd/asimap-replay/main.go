// Command asimap-replay replays a recorded trace log (spec.md §6)
// against a live server: it feeds back the client half of the
// conversation and asserts the server's responses match the recorded
// server half, modulo the whitelisted normalizations in
// internal/trace.Normalize.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/scanner/asimap/internal/trace"
)

func main() {
	app := &cli.App{
		Name:      "asimap-replay",
		Usage:     "replay a trace log against a live IMAP server",
		ArgsUsage: "<trace-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:993", Usage: "server address to replay against"},
			&cli.BoolFlag{Name: "tls", Value: true, Usage: "dial with TLS"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: asimap-replay [--addr=host:port] <trace-file>", 2)
	}
	path := c.Args().Get(0)

	frames, err := trace.ReadFrames(path)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		fmt.Println("no frames recorded")
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.String("addr"), 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	// Drain the server's own greeting before replaying; it is not part
	// of the recorded session (the recording starts post-auth).
	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("asimap-replay: reading greeting: %w", err)
	}

	mismatches := 0
	for i, f := range frames {
		switch f.Dir {
		case "C":
			if _, err := conn.Write(f.Data); err != nil {
				return fmt.Errorf("asimap-replay: write frame %d: %w", i, err)
			}
		case "S":
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			got := make([]byte, len(f.Data)+4096)
			n, err := r.Read(got)
			if err != nil {
				return fmt.Errorf("asimap-replay: reading server frame %d: %w", i, err)
			}
			wantNorm := trace.Normalize(string(f.Data))
			gotNorm := trace.Normalize(string(got[:n]))
			if strings.TrimRight(wantNorm, "\r\n") != strings.TrimRight(gotNorm, "\r\n") {
				mismatches++
				fmt.Printf("frame %d mismatch:\n  recorded: %q\n  live:     %q\n", i, wantNorm, gotNorm)
			}
		}
	}

	if mismatches > 0 {
		return cli.Exit(fmt.Sprintf("asimap-replay: %d frame mismatches", mismatches), 1)
	}
	fmt.Printf("replayed %d frames, no mismatches\n", len(frames))
	return nil
}
