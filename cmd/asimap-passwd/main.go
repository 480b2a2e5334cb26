// Command asimap-passwd manages asimapd's flat password file
// (spec.md §6): add, change, remove, and list accounts. Grounded on
// the teacher's cmd/spillbox subcommand-dispatch shape, adapted from a
// spilldb-database tool to a plain colon-delimited file.
package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/scanner/asimap/internal/passwd"
)

func main() {
	app := &cli.App{
		Name:  "asimap-passwd",
		Usage: "manage the asimapd password file",
		Commands: []*cli.Command{
			{Name: "add", Usage: "add a new account", ArgsUsage: "<pwfile> <username> <maildir-root>", Action: cmdAdd},
			{Name: "passwd", Usage: "change an account's password", ArgsUsage: "<pwfile> <username>", Action: cmdPasswd},
			{Name: "remove", Usage: "remove an account", ArgsUsage: "<pwfile> <username>", Action: cmdRemove},
			{Name: "list", Usage: "list accounts", ArgsUsage: "<pwfile>", Action: cmdList},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openOrNew(path string) (*passwd.File, error) {
	f, err := passwd.Load(path)
	if os.IsNotExist(err) {
		return passwd.NewFile(), nil
	}
	return f, err
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

func cmdAdd(c *cli.Context) error {
	if c.Args().Len() != 3 {
		return cli.Exit("usage: asimap-passwd add <pwfile> <username> <maildir-root>", 2)
	}
	path, user, maildirRoot := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)

	f, err := openOrNew(path)
	if err != nil {
		return err
	}
	if _, err := f.Lookup(user); err == nil {
		return cli.Exit(fmt.Sprintf("asimap-passwd: %s already exists", user), 1)
	}

	pass, err := readPassword("New password: ")
	if err != nil {
		return err
	}
	hash, err := passwd.HashPassword(pass)
	if err != nil {
		return err
	}

	f.Set(passwd.Record{Username: user, Hash: hash, MaildirRoot: maildirRoot})
	return f.Save(path)
}

func cmdPasswd(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return cli.Exit("usage: asimap-passwd passwd <pwfile> <username>", 2)
	}
	path, user := c.Args().Get(0), c.Args().Get(1)

	f, err := passwd.Load(path)
	if err != nil {
		return err
	}
	rec, err := f.Lookup(user)
	if err != nil {
		return cli.Exit(fmt.Sprintf("asimap-passwd: no such user %q", user), 1)
	}

	pass, err := readPassword("New password: ")
	if err != nil {
		return err
	}
	hash, err := passwd.HashPassword(pass)
	if err != nil {
		return err
	}
	rec.Hash = hash
	f.Set(rec)
	return f.Save(path)
}

func cmdRemove(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return cli.Exit("usage: asimap-passwd remove <pwfile> <username>", 2)
	}
	path, user := c.Args().Get(0), c.Args().Get(1)

	f, err := passwd.Load(path)
	if err != nil {
		return err
	}
	if !f.Remove(user) {
		return cli.Exit(fmt.Sprintf("asimap-passwd: no such user %q", user), 1)
	}
	return f.Save(path)
}

func cmdList(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: asimap-passwd list <pwfile>", 2)
	}
	f, err := passwd.Load(c.Args().Get(0))
	if err != nil {
		return err
	}
	for _, rec := range f.Records() {
		fmt.Printf("%s\t%s\n", rec.Username, rec.MaildirRoot)
	}
	return nil
}
