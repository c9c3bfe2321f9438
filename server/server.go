// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/protocol"
	"github.com/xmycroftx/remctl/security"
)

// DefaultTimeout is the per-connection budget when Config.Timeout is 0.
const DefaultTimeout = time.Hour

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

var (
	// ErrServerClosed is returned by Serve after Close or Shutdown.
	ErrServerClosed = errors.New("server: closed")
	// ErrUnknownCommand is wrapped by Authorizers and Executors for
	// commands that do not exist. The client sees error code 5.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrDenied is wrapped by Authorizers to refuse a command. Any
	// other Authorizer error is also a refusal. The client sees code 6.
	ErrDenied = errors.New("access denied")
	// ErrBadCommand is wrapped for commands whose arguments cannot be
	// used, such as a NUL byte in a program argument. The client sees
	// code 4.
	ErrBadCommand = errors.New("invalid command")
)

// errorCode maps an Authorizer or Executor error to a protocol code.
func errorCode(err error, def message.ErrorCode) message.ErrorCode {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return message.ErrorUnknownCommand
	case errors.Is(err, ErrBadCommand):
		return message.ErrorBadCommand
	}
	return def
}

// Chunk is one piece of command output.
type Chunk struct {
	Stream message.Stream
	Data   []byte
}

// Authorizer decides whether peer may run args. A nil error allows.
type Authorizer interface {
	Authorize(peer string, args [][]byte) error
}

// AuthorizerFunc is an Authorizer made from a function.
type AuthorizerFunc func(peer string, args [][]byte) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(peer string, args [][]byte) error {
	return f(peer, args)
}

// AllowAll is an Authorizer that allows everything.
var AllowAll = AuthorizerFunc(func(string, [][]byte) error { return nil })

// Executor starts commands. Cancelling ctx must stop the command.
type Executor interface {
	Start(ctx context.Context, peer string, args [][]byte) (Execution, error)
}

// Execution is a running command. Next returns its output in the
// order it was produced, then io.EOF. ExitStatus is valid after
// io.EOF. Close releases it, stopping the command if it still runs.
type Execution interface {
	Next() (Chunk, error)
	ExitStatus() int
	Close() error
}

type addrKey struct{}

// RemoteAddr returns the client address of the connection that started
// an Execution, from the context passed to Executor.Start.
func RemoteAddr(ctx context.Context) net.Addr {
	a, _ := ctx.Value(addrKey{}).(net.Addr)
	return a
}

// Config is fixed at New and shared by every connection.
type Config struct {
	Credential     *security.Credential
	AuthorizedKeys *security.AuthorizedKeys
	Authorizer     Authorizer
	Executor       Executor
	// Timeout is the connection budget, re-armed per command.
	Timeout time.Duration
	// Options limit token sizes and handshake rounds.
	Options protocol.Options
	// MaxArgs and MaxData limit a command; zero means the message
	// package defaults.
	MaxArgs int
	MaxData int
	// Log receives one event per connection, command, and close.
	// Nil discards.
	Log *zerolog.Logger
	// ConnHook is called with 1 when a connection starts and -1 when
	// it ends.
	ConnHook func(delta int)
	// ConnState, if set, is called on each connection state change.
	ConnState func(id string, s State)
}

// Server is a remctl server.
type Server struct {
	cfg  Config
	log  zerolog.Logger
	base context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	wg        sync.WaitGroup
}

// New returns a Server for cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Credential == nil || cfg.Credential.Signer == nil {
		return nil, fmt.Errorf("server: no host credential")
	}
	if cfg.AuthorizedKeys == nil {
		return nil, fmt.Errorf("server: no authorized keys")
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("server: no authorizer")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("server: no executor")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		log:       l,
		base:      ctx,
		stop:      cancel,
		listeners: map[net.Listener]struct{}{},
		conns:     map[*conn]struct{}{},
	}, nil
}

// Serve accepts connections on ln until Close or Shutdown, handling
// each in its own goroutine. Temporary accept errors are retried with
// backoff.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d := b.NextBackOff()
				v("server: accept: %v; retrying in %v", err, d)
				time.Sleep(d)
				continue
			}
			return err
		}
		b.Reset()
		go s.HandleConn(c)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// HandleConn runs one connection to completion and closes it.
func (s *Server) HandleConn(nc net.Conn) {
	c := newConn(s, nc)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	if h := s.cfg.ConnHook; h != nil {
		h(1)
	}
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		if h := s.cfg.ConnHook; h != nil {
			h(-1)
		}
		s.wg.Done()
	}()
	c.serve()
}

func (s *Server) closeListeners() error {
	var errs error
	s.closed = true
	for ln := range s.listeners {
		if err := ln.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(s.listeners, ln)
	}
	return errs
}

// Close stops the listeners and closes every connection, cancelling
// running commands.
func (s *Server) Close() error {
	s.mu.Lock()
	errs := s.closeListeners()
	for c := range s.conns {
		c.abort()
	}
	s.mu.Unlock()
	s.stop()
	return errs
}

// Shutdown stops the listeners and waits for connections to finish.
// If ctx is done first the remaining connections are closed and its
// error returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	errs := s.closeListeners()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stop()
		return errs
	case <-ctx.Done():
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		return multierror.Append(errs, ctx.Err())
	}
}
