// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/protocol"
	"github.com/xmycroftx/remctl/security"
	"github.com/xmycroftx/remctl/token"
)

// fatalWriteTimeout bounds the error reply sent before a fatal close.
const fatalWriteTimeout = 5 * time.Second

// State is the state of one connection.
type State int

// Connection states.
const (
	Accepted State = iota
	Authenticating
	AwaitingCommand
	Dispatching
	StreamingOutput
	Closed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Authenticating:
		return "authenticating"
	case AwaitingCommand:
		return "awaiting command"
	case Dispatching:
		return "dispatching"
	case StreamingOutput:
		return "streaming output"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type conn struct {
	s      *Server
	nc     net.Conn
	pc     *protocol.Conn
	id     string
	log    zerolog.Logger
	peer   string
	ctx    context.Context
	cancel context.CancelFunc
	budget *time.Timer

	mu    sync.Mutex
	state State
}

func newConn(s *Server, nc net.Conn) *conn {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.WithValue(s.base, addrKey{}, nc.RemoteAddr()))
	c := &conn{
		s:      s,
		nc:     nc,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		log:    s.log.With().Str("conn", id).Stringer("remote", nc.RemoteAddr()).Logger(),
	}
	return c
}

func (c *conn) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	v("server: %s: %v", c.id, st)
	if h := c.s.cfg.ConnState; h != nil {
		h(c.id, st)
	}
}

// abort cancels any running command and closes the socket, unblocking
// whatever the connection goroutine is doing.
func (c *conn) abort() {
	c.cancel()
	c.nc.Close()
}

func (c *conn) serve() {
	c.setState(Accepted)
	l := c.log
	c.budget = time.AfterFunc(c.s.cfg.Timeout, func() {
		l.Warn().Dur("timeout", c.s.cfg.Timeout).Msg("connection budget exceeded")
		c.abort()
	})
	defer func() {
		c.budget.Stop()
		c.abort()
		if c.pc != nil {
			c.pc.Close()
		}
		c.setState(Closed)
		c.log.Info().Msg("closed")
	}()

	c.setState(Authenticating)
	mech, err := security.NewAcceptor(security.AcceptorConfig{
		Credential:     c.s.cfg.Credential,
		AuthorizedKeys: c.s.cfg.AuthorizedKeys,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("acceptor")
		return
	}
	pc, err := protocol.Accept(c.nc, mech, c.s.cfg.Options)
	if err != nil {
		c.log.Warn().Err(err).Msg("authentication failed")
		return
	}
	c.pc = pc
	c.peer = pc.PeerName()
	c.log = c.log.With().Str("peer", c.peer).Logger()
	c.log.Info().Stringer("protocol", pc.Generation()).Msg("accepted")

	if pc.Generation() == protocol.V1 {
		c.serveV1()
		return
	}
	c.serveV2()
}

// rearm restarts the budget after a completed command.
func (c *conn) rearm() {
	c.budget.Reset(c.s.cfg.Timeout)
}

// fatal sends a last error, bounded by a write deadline.
func (c *conn) fatal(code message.ErrorCode, err error) {
	c.log.Warn().Err(err).Stringer("code", code).Msg("protocol error")
	c.pc.SetWriteDeadline(time.Now().Add(fatalWriteTimeout))
	if werr := c.pc.WriteMessage(message.NewError(code)); werr != nil {
		v("server: %s: sending %v: %v", c.id, code, werr)
	}
}

func argsCode(err error) message.ErrorCode {
	switch {
	case errors.Is(err, message.ErrTooManyArgs):
		return message.ErrorTooManyArgs
	case errors.Is(err, message.ErrTooMuchData):
		return message.ErrorTooMuchData
	}
	return message.ErrorBadCommand
}

func (c *conn) serveV2() {
	asm := message.NewAssembler(c.s.cfg.MaxArgs, c.s.cfg.MaxData)
	for {
		c.setState(AwaitingCommand)
		_, m, err := c.pc.ReadMessage()
		if err != nil {
			var ve *message.VersionError
			switch {
			case errors.As(err, &ve):
				v("server: %s: client speaks version %d", c.id, ve.Version)
				if err := c.pc.WriteMessage(&message.VersionReply{Highest: message.MaxVersion}); err != nil {
					return
				}
				continue
			case errors.Is(err, message.ErrUnknownType):
				c.fatal(message.ErrorUnknownMessage, err)
			case errors.Is(err, message.ErrTruncated), errors.Is(err, message.ErrInvalid), errors.Is(err, protocol.ErrUnexpected),
				errors.Is(err, token.ErrMalformed):
				c.fatal(message.ErrorBadToken, err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				v("server: %s: %v", c.id, err)
			default:
				c.log.Warn().Err(err).Msg("read")
			}
			return
		}
		switch m := m.(type) {
		case *message.Quit:
			return
		case *message.Noop:
			if asm.InProgress() {
				c.fatal(message.ErrorUnexpectedMessage, fmt.Errorf("noop inside a split command"))
				return
			}
			if err := c.pc.WriteMessage(&message.Noop{}); err != nil {
				return
			}
		case *message.Command:
			done, err := asm.Add(m)
			if err != nil {
				c.log.Warn().Err(err).Msg("bad command")
				if err := c.pc.WriteMessage(message.NewError(argsCode(err))); err != nil || !m.KeepAlive {
					return
				}
				continue
			}
			if !done {
				continue
			}
			keep := asm.KeepAlive()
			args, err := asm.Args()
			if err != nil {
				c.log.Warn().Err(err).Msg("bad command")
				err = c.pc.WriteMessage(message.NewError(argsCode(err)))
			} else {
				err = c.dispatch(args)
			}
			if err != nil {
				c.log.Warn().Err(err).Msg("write")
				return
			}
			c.rearm()
			if !keep {
				return
			}
		default:
			c.fatal(message.ErrorUnexpectedMessage, fmt.Errorf("%v from client", m.Type()))
			return
		}
	}
}

// commandName is what is logged of a command: its type and
// subcommand, never the arguments.
func commandName(args [][]byte) []string {
	n := len(args)
	if n > 2 {
		n = 2
	}
	s := make([]string, n)
	for i := range s {
		s[i] = string(args[i])
	}
	return s
}

// start authorizes and starts a command. A non-nil *message.Error
// means the command was refused or could not start.
func (c *conn) start(args [][]byte) (Execution, *message.Error) {
	c.setState(Dispatching)
	ev := c.log.Info().Strs("command", commandName(args)).Int("args", len(args))
	if err := c.s.cfg.Authorizer.Authorize(c.peer, args); err != nil {
		ev.Err(err).Msg("denied")
		return nil, message.NewError(errorCode(err, message.ErrorAccess))
	}
	x, err := c.s.cfg.Executor.Start(c.ctx, c.peer, args)
	if err != nil {
		ev.Err(err).Msg("start failed")
		return nil, message.NewError(errorCode(err, message.ErrorInternal))
	}
	ev.Msg("started")
	return x, nil
}

func exitCode(status int) uint8 {
	if status < 0 || status > 255 {
		return 255
	}
	return uint8(status)
}

// dispatch runs one command, relaying its output and exactly one
// status or error. Only write errors are returned.
func (c *conn) dispatch(args [][]byte) error {
	x, merr := c.start(args)
	if merr != nil {
		return c.pc.WriteMessage(merr)
	}
	defer x.Close()
	c.setState(StreamingOutput)
	for {
		ch, err := x.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("execution failed")
			return c.pc.WriteMessage(message.NewError(message.ErrorInternal))
		}
		for d := ch.Data; len(d) > 0; {
			n := len(d)
			if n > message.MaxData {
				n = message.MaxData
			}
			if err := c.pc.WriteMessage(&message.Output{Stream: ch.Stream, Data: d[:n]}); err != nil {
				return err
			}
			d = d[n:]
		}
	}
	status := x.ExitStatus()
	c.log.Info().Strs("command", commandName(args)).Int("status", status).Msg("finished")
	return c.pc.WriteMessage(&message.Status{Code: exitCode(status)})
}

// serveV1 runs the one command of a generation 1 connection. Output is
// collected up to what one result can carry; the rest is drained.
func (c *conn) serveV1() {
	c.setState(AwaitingCommand)
	max := c.s.cfg.MaxArgs
	if max <= 0 {
		max = message.MaxArgs
	}
	args, err := c.pc.ReadCommandV1(max)
	if err != nil {
		if errors.Is(err, message.ErrBadArgs) || errors.Is(err, message.ErrTooManyArgs) {
			code := argsCode(err)
			c.log.Warn().Err(err).Msg("bad command")
			c.pc.WriteResultV1(-1, []byte(code.String()))
			return
		}
		c.log.Warn().Err(err).Msg("read")
		return
	}
	x, merr := c.start(args)
	if merr != nil {
		c.pc.WriteResultV1(-1, []byte(merr.Message))
		return
	}
	defer x.Close()
	c.setState(StreamingOutput)
	var out bytes.Buffer
	room := c.pc.MaxResultOutput()
	for {
		ch, err := x.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("execution failed")
			c.pc.WriteResultV1(-1, []byte(message.ErrorInternal.String()))
			return
		}
		if n := room - out.Len(); n > 0 {
			d := ch.Data
			if len(d) > n {
				d = d[:n]
			}
			out.Write(d)
		}
	}
	status := x.ExitStatus()
	c.log.Info().Strs("command", commandName(args)).Int("status", status).Msg("finished")
	if err := c.pc.WriteResultV1(int32(exitCode(status)), out.Bytes()); err != nil {
		c.log.Warn().Err(err).Msg("write")
	}
}
