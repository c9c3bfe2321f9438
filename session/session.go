// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/server"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// waitDelay bounds how long Wait waits for output after a kill.
const waitDelay = 2 * time.Second

// Program is what a command runs.
type Program struct {
	Path string
	// Args follow Path in argv.
	Args []string
	// Stdin, if not nil, is written to the program's standard input.
	Stdin []byte
	// User, if set, is the account the program runs as.
	User string
	// Env is added to the environment.
	Env []string
	Dir string
}

// Resolver maps a command to the Program that runs it. Errors should
// wrap server.ErrUnknownCommand or server.ErrBadCommand where they
// apply.
type Resolver interface {
	Resolve(peer string, args [][]byte) (*Program, error)
}

// ResolverFunc is a Resolver made from a function.
type ResolverFunc func(peer string, args [][]byte) (*Program, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(peer string, args [][]byte) (*Program, error) {
	return f(peer, args)
}

// Executor starts Programs. It implements server.Executor.
type Executor struct {
	Resolver Resolver
	// Env is the base environment, os.Environ() if nil.
	Env []string
	// ChunkSize is the read size for output, message.MaxData if 0.
	ChunkSize int
}

// New returns an Executor using r.
func New(r Resolver) *Executor {
	return &Executor{Resolver: r}
}

// Session is one running Program.
type Session struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	chunks chan server.Chunk
	status int
	waited bool
	err    error
}

// Start resolves args and starts the Program.
func (e *Executor) Start(ctx context.Context, peer string, args [][]byte) (server.Execution, error) {
	p, err := e.Resolver.Resolve(peer, args)
	if err != nil {
		return nil, err
	}
	for _, a := range p.Args {
		if strings.IndexByte(a, 0) >= 0 {
			return nil, fmt.Errorf("%w: NUL in argument", server.ErrBadCommand)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := command(ctx, p.Path, p.Args...)
	cmd.WaitDelay = waitDelay
	base := e.Env
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append(append([]string{}, base...), environ(peer, server.RemoteAddr(ctx), args)...), p.Env...)
	cmd.Dir = p.Dir
	if err := runAs(cmd, p.User); err != nil {
		cancel()
		return nil, err
	}
	if p.Stdin != nil {
		cmd.Stdin = bytes.NewReader(p.Stdin)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	v("session: start %s for %q", Quote(cmd.Args), peer)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%s: %w", p.Path, err)
	}
	size := e.ChunkSize
	if size <= 0 {
		size = message.MaxData
	}
	s := &Session{cmd: cmd, ctx: ctx, cancel: cancel, chunks: make(chan server.Chunk)}
	var wg sync.WaitGroup
	for _, r := range []struct {
		stream message.Stream
		rd     io.Reader
	}{
		{message.Stdout, stdout},
		{message.Stderr, stderr},
	} {
		wg.Add(1)
		go func(stream message.Stream, rd io.Reader) {
			defer wg.Done()
			for {
				buf := make([]byte, size)
				n, err := rd.Read(buf)
				if n > 0 {
					s.chunks <- server.Chunk{Stream: stream, Data: buf[:n]}
				}
				if err != nil {
					return
				}
			}
		}(r.stream, r.rd)
	}
	go func() {
		wg.Wait()
		close(s.chunks)
	}()
	return s, nil
}

// Next returns the next chunk of output, in the order it was read, then
// io.EOF once both streams are closed and the process has exited. If
// the context was cancelled the context's error is returned instead.
func (s *Session) Next() (server.Chunk, error) {
	if s.waited {
		return server.Chunk{}, s.done()
	}
	if c, ok := <-s.chunks; ok {
		return c, nil
	}
	s.wait()
	return server.Chunk{}, s.done()
}

func (s *Session) done() error {
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

func (s *Session) wait() {
	s.waited = true
	err := s.cmd.Wait()
	v("session: %q: %v", s.cmd.Args, err)
	if cerr := s.ctx.Err(); cerr != nil {
		s.err = cerr
	}
	var ee *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
	case errors.Is(err, exec.ErrWaitDelay):
	default:
		if s.err == nil {
			s.err = err
		}
	}
	s.status = s.cmd.ProcessState.ExitCode()
}

// ExitStatus returns the exit code. A process killed by a signal
// reports -1.
func (s *Session) ExitStatus() int {
	return s.status
}

// Close kills the process group if it is still running and reaps it.
func (s *Session) Close() error {
	var errs error
	if !s.waited {
		s.cancel()
		for range s.chunks {
		}
		s.wait()
		if s.err != nil && !errors.Is(s.err, context.Canceled) {
			errs = multierror.Append(errs, s.err)
		}
	}
	s.cancel()
	return errs
}
