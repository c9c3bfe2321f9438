// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/xmycroftx/remctl/client"
	"github.com/xmycroftx/remctl/message"
)

// shell holds the one connection every line runs on.
type shell struct {
	opts []client.Set
	c    *client.Client

	host     string
	since    time.Time
	commands int
	last     int
	lastErr  error
}

// connect replaces any current connection with one to host.
func (s *shell) connect(ctx context.Context, host string) error {
	if err := s.close(); err != nil {
		v("close: %v", err)
	}
	c, err := client.New(host, s.opts...)
	if err != nil {
		return err
	}
	if err := c.Dial(ctx); err != nil {
		return err
	}
	s.c, s.host, s.since = c, host, time.Now()
	s.commands, s.last, s.lastErr = 0, 0, nil
	return nil
}

func (s *shell) connected() bool {
	return s.c != nil && s.c.State() != client.Disconnected
}

// run runs args and returns the exit status. Server errors leave the
// connection usable; anything else drops it.
func (s *shell) run(args []string, stdout, stderr io.Writer) (int, error) {
	if !s.connected() {
		return 0, client.ErrNotConnected
	}
	res, err := s.c.Stream(args, stdout, stderr)
	s.commands++
	s.lastErr = err
	if err != nil {
		var me *message.Error
		if !errors.As(err, &me) {
			s.close()
		}
		return 0, err
	}
	s.last = res.Status
	return res.Status, nil
}

func (s *shell) noop() error {
	if !s.connected() {
		return client.ErrNotConnected
	}
	return s.c.Noop()
}

func (s *shell) close() error {
	if s.c == nil {
		return nil
	}
	err := s.c.Close()
	s.c = nil
	return err
}

// info renders the session as a table.
func (s *shell) info() string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Field", "Value"})
	if !s.connected() {
		t.AppendRow(table.Row{"State", client.Disconnected})
		return t.Render()
	}
	last := fmt.Sprint(s.last)
	if s.lastErr != nil {
		last = s.lastErr.Error()
	}
	t.AppendRows([]table.Row{
		{"Host", s.host},
		{"Address", s.c.Addr()},
		{"Protocol", s.c.Generation()},
		{"Server", s.c.PeerName()},
		{"State", s.c.State()},
		{"Connected", s.since.Format("2006-01-02 15:04:05")},
		{"Commands", s.commands},
		{"Last status", last},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1}, // Field
		{Number: 2}, // Value
	})
	return t.Render()
}
