// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// remctl-shell runs remctl commands interactively over one connection.
//
// Synopsis:
//
//	remctl-shell [-H host] [-p port] [-k key] [-s principal] [--insecure] [-d]
//
// Each "run" line is sent as a command on the same protocol version 2
// connection, so a session costs one key exchange however many
// commands it runs. "info" shows the connection.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/desertbit/grumble"
	"github.com/xmycroftx/remctl/client"
	"github.com/xmycroftx/remctl/protocol"
)

var (
	v = func(string, ...interface{}) {}
	s = &shell{}
)

func addCommands(app *grumble.App) {
	app.AddCommand(&grumble.Command{
		Name: "connect",
		Help: "connect to a remctld, dropping any current connection",
		Args: func(a *grumble.Args) {
			a.String("host", "host name, address, or dnssd: URI")
		},
		Run: func(c *grumble.Context) error {
			if err := s.connect(context.Background(), c.Args.String("host")); err != nil {
				return err
			}
			c.App.SetPrompt(fmt.Sprintf("remctl %s » ", s.host))
			return nil
		},
	})
	app.AddCommand(&grumble.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Help:    "run a command: type [subcommand [args...]]",
		Args: func(a *grumble.Args) {
			a.StringList("command", "the command and its arguments")
		},
		Run: func(c *grumble.Context) error {
			args := c.Args.StringList("command")
			if len(args) == 0 {
				return client.ErrNoCommand
			}
			status, err := s.run(args, os.Stdout, os.Stderr)
			if err != nil {
				return err
			}
			if status != 0 {
				c.App.Printf("exit status %d\n", status)
			}
			return nil
		},
	})
	app.AddCommand(&grumble.Command{
		Name: "noop",
		Help: "check the connection is alive",
		Run: func(c *grumble.Context) error {
			return s.noop()
		},
	})
	app.AddCommand(&grumble.Command{
		Name: "info",
		Help: "show the connection",
		Run: func(c *grumble.Context) error {
			c.App.Println(s.info())
			return nil
		},
	})
	app.AddCommand(&grumble.Command{
		Name:    "close",
		Aliases: []string{"disconnect"},
		Help:    "close the connection",
		Run: func(c *grumble.Context) error {
			c.App.SetPrompt("remctl » ")
			return s.close()
		},
	})
}

func setupCLI() *grumble.App {
	histFile := ".remctl_history"
	if home, err := os.UserHomeDir(); err == nil {
		histFile = filepath.Join(home, histFile)
	}
	app := grumble.New(&grumble.Config{
		Name:        "remctl",
		Description: "interactive remctl client",
		HistoryFile: histFile,
		Prompt:      "remctl » ",
		Flags: func(f *grumble.Flags) {
			f.String("H", "host", "", "host to connect to at start")
			f.String("p", "port", "", "remctl port")
			f.String("k", "key", "", "private key file")
			f.String("s", "principal", "", "principal the server must present")
			f.Bool("i", "insecure", false, "do not check the server's host key")
			f.Bool("d", "debug", false, "enable debug prints")
		},
	})
	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		if flags.Bool("debug") {
			v = log.Printf
			client.SetVerbose(log.Printf)
			protocol.SetVerbose(log.Printf)
		}
		s.opts = []client.Set{
			client.WithPort(flags.String("port")),
			client.WithPrivateKeyFile(flags.String("key")),
			client.WithPrincipal(flags.String("principal")),
			client.WithInsecureHostKey(flags.Bool("insecure")),
			client.WithProtocol(protocol.V2),
		}
		if h := flags.String("host"); h != "" {
			if err := s.connect(context.Background(), h); err != nil {
				return fmt.Errorf("connect to %s: %w", h, err)
			}
			a.SetPrompt(fmt.Sprintf("remctl %s » ", h))
		}
		return nil
	})
	addCommands(app)
	return app
}

func main() {
	app := setupCLI()
	err := app.Run()
	if cerr := s.close(); cerr != nil {
		v("close: %v", cerr)
	}
	if err != nil {
		log.Fatal(err)
	}
}
