// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads remctld configuration: server settings and the
// table of commands with their programs and access control lists.
//
// Config implements server.Authorizer and session.Resolver, so one
// loaded file drives both halves of command dispatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/xmycroftx/remctl/server"
	"github.com/xmycroftx/remctl/session"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Subcommand patterns with a special meaning.
const (
	// All matches any subcommand, or none.
	All = "ALL"
	// Empty matches a command sent with no subcommand.
	Empty = "EMPTY"
)

// Server holds the settings of the [server] table.
type Server struct {
	Port           string `toml:"port"`
	Network        string `toml:"network"`
	HostKey        string `toml:"host_key"`
	Principal      string `toml:"principal"`
	AuthorizedKeys string `toml:"authorized_keys"`
	Timeout        string `toml:"timeout"`
	PidFile        string `toml:"pid_file"`
	// DNSSD, if set, advertises the server with these TXT records.
	DNSSD map[string]string `toml:"dnssd"`
}

// Command is one [[command]] entry.
type Command struct {
	Type       string `toml:"type"`
	Subcommand string `toml:"subcommand"`
	Program    string `toml:"program"`
	// Stdin names an argument to pass on standard input instead of the
	// command line: "last", or a position where 2 is the first
	// argument after the subcommand.
	Stdin string   `toml:"stdin"`
	User  string   `toml:"user"`
	ACL   []string `toml:"acl"`
}

// Config is a loaded configuration file.
type Config struct {
	Server   Server    `toml:"server"`
	Commands []Command `toml:"command"`

	dir string
}

// Load reads and checks the TOML file at path. Relative file: ACL
// paths are taken from the directory holding path.
func Load(path string) (*Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if u := md.Undecoded(); len(u) > 0 {
		return nil, fmt.Errorf("load config %s: unknown keys %v", path, u)
	}
	c.dir = filepath.Dir(path)
	if err := c.check(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &c, nil
}

// Parse reads a configuration from a string. Relative file: ACL paths
// are taken from dir.
func Parse(data, dir string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.dir = dir
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) check() error {
	if _, err := c.Timeout(); err != nil {
		return err
	}
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if cmd.Type == "" {
			return fmt.Errorf("command %d: no type", i)
		}
		if cmd.Program == "" {
			return fmt.Errorf("command %s: no program", cmd.Type)
		}
		if cmd.Subcommand == "" {
			cmd.Subcommand = All
		}
		if len(cmd.ACL) == 0 {
			return fmt.Errorf("command %s %s: no acl", cmd.Type, cmd.Subcommand)
		}
		if cmd.Stdin != "" && cmd.Stdin != "last" {
			n, err := strconv.Atoi(cmd.Stdin)
			if err != nil || n < 2 {
				return fmt.Errorf("command %s %s: stdin %q: want last or a number of at least 2", cmd.Type, cmd.Subcommand, cmd.Stdin)
			}
		}
	}
	return nil
}

// Timeout returns the server timeout, zero if unset.
func (c *Config) Timeout() (time.Duration, error) {
	if c.Server.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Server.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	return d, nil
}

func (cmd *Command) matches(args [][]byte) bool {
	if string(args[0]) != cmd.Type {
		return false
	}
	switch cmd.Subcommand {
	case All:
		return true
	case Empty:
		return len(args) == 1
	}
	return len(args) > 1 && string(args[1]) == cmd.Subcommand
}

// Lookup returns the first command matching args.
func (c *Config) Lookup(args [][]byte) (*Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty command", server.ErrBadCommand)
	}
	for i := range c.Commands {
		if c.Commands[i].matches(args) {
			return &c.Commands[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", server.ErrUnknownCommand, args[0])
}

// Authorize allows peer to run args if the command's ACL admits it.
func (c *Config) Authorize(peer string, args [][]byte) error {
	cmd, err := c.Lookup(args)
	if err != nil {
		return err
	}
	a := &ACL{Dir: c.dir}
	ok, err := a.Check(peer, cmd.ACL)
	if err != nil {
		v("config: acl for %s %s: %v", cmd.Type, cmd.Subcommand, err)
		return fmt.Errorf("%w: %w", server.ErrDenied, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s for %s %s", server.ErrDenied, peer, cmd.Type, cmd.Subcommand)
	}
	return nil
}

// Resolve returns the Program for args. The program gets the
// subcommand and arguments; the type is dropped.
func (c *Config) Resolve(peer string, args [][]byte) (*session.Program, error) {
	cmd, err := c.Lookup(args)
	if err != nil {
		return nil, err
	}
	rest := args[1:]
	p := &session.Program{Path: cmd.Program, User: cmd.User}
	if cmd.Stdin != "" {
		i := len(args) - 1
		if cmd.Stdin != "last" {
			i, _ = strconv.Atoi(cmd.Stdin)
		}
		if i < 2 || i >= len(args) {
			return nil, fmt.Errorf("%w: no argument %s for stdin", server.ErrBadCommand, cmd.Stdin)
		}
		p.Stdin = args[i]
		rest = append(append([][]byte{}, args[1:i]...), args[i+1:]...)
	}
	p.Args = session.Argv(rest)
	return p, nil
}

// ErrDepth is returned for ACL files included too deeply.
var ErrDepth = errors.New("acl: file nesting too deep")

// MaxDepth is how deeply file: entries may nest.
const MaxDepth = 10

// ACL evaluates access control lists.
type ACL struct {
	// Dir is where relative file: paths start.
	Dir string
	// ReadFile reads included files; os.ReadFile if nil.
	ReadFile func(string) ([]byte, error)
}

// Check reports whether peer is admitted by entries. Entries are tried
// in order and the first that matches decides:
//
//	deny:<entry>   denies if <entry> matches
//	ANYUSER        allows anyone authenticated
//	princ:<name>   allows <name>
//	file:<path>    includes the entries in <path>, one per line
//	<name>         allows <name>
//
// If nothing matches, peer is denied.
func (a *ACL) Check(peer string, entries []string) (bool, error) {
	allow, matched, err := a.check(peer, entries, 0)
	return matched && allow, err
}

func (a *ACL) check(peer string, entries []string, depth int) (allow, matched bool, err error) {
	for _, e := range entries {
		ok, err := a.match(peer, e, depth)
		if err != nil {
			return false, false, err
		}
		if ok {
			return !strings.HasPrefix(e, "deny:"), true, nil
		}
	}
	return false, false, nil
}

// match reports whether e matches peer. A deny: entry matches when
// what it wraps admits peer.
func (a *ACL) match(peer, e string, depth int) (bool, error) {
	switch {
	case strings.HasPrefix(e, "deny:"):
		return a.match(peer, strings.TrimPrefix(e, "deny:"), depth)
	case e == "ANYUSER":
		return true, nil
	case strings.HasPrefix(e, "princ:"):
		return strings.TrimPrefix(e, "princ:") == peer, nil
	case strings.HasPrefix(e, "file:"):
		if depth >= MaxDepth {
			return false, fmt.Errorf("%w: %s", ErrDepth, e)
		}
		entries, err := a.readFile(strings.TrimPrefix(e, "file:"))
		if err != nil {
			return false, err
		}
		allow, matched, err := a.check(peer, entries, depth+1)
		return matched && allow, err
	}
	return e == peer, nil
}

// readFile returns the entries in an ACL file: one per line, with
// blank lines and # comments skipped.
func (a *ACL) readFile(name string) ([]string, error) {
	if !filepath.IsAbs(name) {
		name = filepath.Join(a.Dir, name)
	}
	read := a.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	b, err := read(name)
	if err != nil {
		return nil, fmt.Errorf("acl: %w", err)
	}
	var entries []string
	for _, l := range strings.Split(string(b), "\n") {
		if i := strings.IndexByte(l, '#'); i >= 0 {
			l = l[:i]
		}
		if l = strings.TrimSpace(l); l != "" {
			entries = append(entries, l)
		}
	}
	return entries, nil
}
