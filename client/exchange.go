// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/protocol"
)

// exchange runs commands over one protocol generation.
type exchange interface {
	send(args [][]byte) error
	next() (Output, error)
	noop() error
	generation() protocol.Generation
	peer() string
	close() error
}

type v2Exchange struct {
	c *protocol.Conn
}

func (x *v2Exchange) generation() protocol.Generation { return protocol.V2 }
func (x *v2Exchange) peer() string                    { return x.c.PeerName() }

func (x *v2Exchange) send(args [][]byte) error {
	for _, m := range message.SplitCommand(message.EncodeArgs(args), true, message.MaxData) {
		if err := x.c.WriteMessage(m); err != nil {
			return err
		}
	}
	return nil
}

func (x *v2Exchange) next() (Output, error) {
	_, m, err := x.c.ReadMessage()
	if err != nil {
		return Output{}, err
	}
	switch m := m.(type) {
	case *message.Output:
		return Output{Type: Chunk, Stream: m.Stream, Data: m.Data}, nil
	case *message.Status:
		return Output{Type: Status, Status: int(m.Code)}, nil
	case *message.Error:
		return Output{Type: Error, Err: m}, nil
	}
	return Output{}, fmt.Errorf("%w: %v while reading output", protocol.ErrUnexpected, m.Type())
}

func (x *v2Exchange) noop() error {
	if err := x.c.WriteMessage(&message.Noop{}); err != nil {
		return err
	}
	_, m, err := x.c.ReadMessage()
	if err != nil {
		return err
	}
	switch m := m.(type) {
	case *message.Noop:
		return nil
	case *message.VersionReply:
		v("client: server speaks version %d", m.Highest)
		return ErrNoopUnsupported
	case *message.Error:
		return m
	}
	return fmt.Errorf("%w: %v in reply to noop", protocol.ErrUnexpected, m.Type())
}

func (x *v2Exchange) close() error {
	var errs error
	if err := x.c.WriteMessage(&message.Quit{}); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := x.c.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// v1Exchange runs one command per connection. The connection made
// while negotiating carries the first command; later ones reopen.
type v1Exchange struct {
	c      *protocol.Conn
	reopen func() (*protocol.Conn, error)
	name   string
	// pending is the status or error that follows the output chunk.
	pending *Output
}

func (x *v1Exchange) generation() protocol.Generation { return protocol.V1 }

func (x *v1Exchange) peer() string {
	if x.c != nil {
		x.name = x.c.PeerName()
	}
	return x.name
}

func (x *v1Exchange) send(args [][]byte) error {
	if x.c == nil {
		c, err := x.reopen()
		if err != nil {
			return err
		}
		x.c = c
	}
	x.name = x.c.PeerName()
	return x.c.WriteCommandV1(args)
}

func (x *v1Exchange) next() (Output, error) {
	if p := x.pending; p != nil {
		x.pending = nil
		return *p, nil
	}
	if x.c == nil {
		return Output{}, ErrNotConnected
	}
	r, err := x.c.ReadResultV1()
	// The server closes after one result.
	cerr := x.c.Close()
	x.c = nil
	if err != nil {
		return Output{}, err
	}
	if cerr != nil {
		v("client: closing v1 connection: %v", cerr)
	}
	var end Output
	if r.Status < 0 {
		end = Output{Type: Error, Err: &message.Error{Code: message.ErrorInternal, Message: string(r.Output)}}
		return end, nil
	}
	end = Output{Type: Status, Status: int(r.Status)}
	if len(r.Output) == 0 {
		return end, nil
	}
	x.pending = &end
	return Output{Type: Chunk, Stream: message.Stdout, Data: r.Output}, nil
}

func (x *v1Exchange) noop() error {
	return ErrNoopUnsupported
}

func (x *v1Exchange) close() error {
	if x.c == nil {
		return nil
	}
	err := x.c.Close()
	x.c = nil
	return err
}
