// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/xmycroftx/remctl/client"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/security"
	"github.com/xmycroftx/remctl/server"
	"golang.org/x/crypto/ssh"
)

// echoExec prints its arguments and exits with the number of them.
type echoExec struct{}

type echoRun struct {
	out    []byte
	status int
}

func (echoExec) Start(ctx context.Context, peer string, args [][]byte) (server.Execution, error) {
	return &echoRun{out: bytes.Join(args, []byte(" ")), status: len(args) - 1}, nil
}

func (r *echoRun) Next() (server.Chunk, error) {
	if r.out == nil {
		return server.Chunk{}, io.EOF
	}
	c := server.Chunk{Stream: message.Stdout, Data: r.out}
	r.out = nil
	return c, nil
}

func (r *echoRun) ExitStatus() int { return r.status }
func (r *echoRun) Close() error    { return nil }

func newShell(t *testing.T) *shell {
	t.Helper()
	host, err := security.GenerateCredential("host/test")
	if err != nil {
		t.Fatal(err)
	}
	user, err := security.GenerateCredential("")
	if err != nil {
		t.Fatal(err)
	}
	auth := security.NewAuthorizedKeys()
	auth.Add(user.Signer.PublicKey(), "user@TEST")
	srv, err := server.New(server.Config{
		Credential:     host,
		AuthorizedKeys: auth,
		Authorizer: server.AuthorizerFunc(func(peer string, args [][]byte) error {
			if string(args[0]) == "secret" {
				return server.ErrDenied
			}
			return nil
		}),
		Executor: echoExec{},
	})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return &shell{opts: []client.Set{
		client.WithPort(port),
		client.WithPrincipal("host/test"),
		client.WithCredential(user),
		client.WithHostKeyCallback(ssh.FixedHostKey(host.Signer.PublicKey())),
		client.WithTimeout("10s"),
	}}
}

func TestShell(t *testing.T) {
	s := newShell(t)
	var out bytes.Buffer
	if _, err := s.run([]string{"test"}, &out, &out); !errors.Is(err, client.ErrNotConnected) {
		t.Fatalf("run before connect: got %v, want %v", err, client.ErrNotConnected)
	}
	if err := s.noop(); !errors.Is(err, client.ErrNotConnected) {
		t.Fatalf("noop before connect: got %v, want %v", err, client.ErrNotConnected)
	}
	if got := s.info(); !strings.Contains(got, client.Disconnected.String()) {
		t.Fatalf("info before connect: got %q, want it to contain %q", got, client.Disconnected)
	}

	if err := s.connect(context.Background(), "127.0.0.1"); err != nil {
		t.Fatalf("connect: %v != nil", err)
	}
	defer s.close()
	first := s.c

	status, err := s.run([]string{"test", "a", "b"}, &out, &out)
	if err != nil || status != 2 || out.String() != "test a b" {
		t.Fatalf("run(test a b): got (%d, %q, %v), want (2, %q, nil)", status, out.String(), err, "test a b")
	}
	if _, err := s.run([]string{"secret"}, &out, &out); !errors.Is(err, message.NewError(message.ErrorAccess)) {
		t.Fatalf("run(secret): got %v, want %v", err, message.NewError(message.ErrorAccess))
	}
	out.Reset()
	if status, err := s.run([]string{"again"}, &out, &out); err != nil || status != 0 || out.String() != "again" {
		t.Fatalf("run(again) after denial: got (%d, %q, %v), want (0, again, nil)", status, out.String(), err)
	}
	if s.c != first {
		t.Fatalf("commands did not share one connection")
	}
	if err := s.noop(); err != nil {
		t.Fatalf("noop: %v != nil", err)
	}

	info := s.info()
	for _, want := range []string{"host/test", "127.0.0.1", "Commands", "3"} {
		if !strings.Contains(info, want) {
			t.Errorf("info: got %q, want it to contain %q", info, want)
		}
	}

	if err := s.close(); err != nil {
		t.Fatalf("close: %v != nil", err)
	}
	if _, err := s.run([]string{"test"}, &out, &out); !errors.Is(err, client.ErrNotConnected) {
		t.Fatalf("run after close: got %v, want %v", err, client.ErrNotConnected)
	}
}
