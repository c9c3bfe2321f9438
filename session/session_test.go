// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/server"
)

// TestHelperProcess is the program the other tests run.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Logf("just a helper")
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	args = args[1:]
	switch args[0] {
	case "echo":
		fmt.Println(strings.Join(args[1:], " "))
	case "env":
		for _, k := range args[1:] {
			fmt.Printf("%s=%s\n", k, os.Getenv(k))
		}
	case "stdin":
		io.Copy(os.Stdout, os.Stdin)
	case "both":
		fmt.Fprint(os.Stdout, "out")
		os.Stdout.Sync()
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(os.Stderr, "err")
	case "exit":
		n, _ := strconv.Atoi(args[1])
		os.Exit(n)
	case "sleep":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helper(args ...string) ResolverFunc {
	return func(peer string, cmd [][]byte) (*Program, error) {
		if string(cmd[0]) == "nosuch" {
			return nil, fmt.Errorf("%w: nosuch", server.ErrUnknownCommand)
		}
		a := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		return &Program{
			Path: os.Args[0],
			Args: append(a, Argv(cmd[1:])...),
			Env:  []string{"GO_WANT_HELPER_PROCESS=1"},
		}, nil
	}
}

// collect reads an Execution to its end.
func collect(t *testing.T, x server.Execution) (stdout, stderr string, chunks []server.Chunk) {
	t.Helper()
	var o, e strings.Builder
	for {
		c, err := x.Next()
		if errors.Is(err, io.EOF) {
			return o.String(), e.String(), chunks
		}
		if err != nil {
			t.Fatalf("Next: %v != nil", err)
		}
		chunks = append(chunks, c)
		if c.Stream == message.Stderr {
			e.Write(c.Data)
		} else {
			o.Write(c.Data)
		}
	}
}

func start(t *testing.T, r Resolver, args ...string) server.Execution {
	t.Helper()
	b := make([][]byte, len(args))
	for i, a := range args {
		b[i] = []byte(a)
	}
	x, err := New(r).Start(context.Background(), "alice@EXAMPLE.ORG", b)
	if err != nil {
		t.Fatalf("Start(%q): %v != nil", args, err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestEcho(t *testing.T) {
	x := start(t, helper("echo"), "test", "hello", "world")
	out, errout, _ := collect(t, x)
	if out != "hello world\n" || errout != "" || x.ExitStatus() != 0 {
		t.Fatalf("echo: got (%q, %q, %d), want (hello world, \"\", 0)", out, errout, x.ExitStatus())
	}
	if _, err := x.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after end: got %v, want %v", err, io.EOF)
	}
}

func TestExitStatus(t *testing.T) {
	for _, n := range []int{0, 1, 42, 255} {
		x := start(t, helper("exit"), "exit", strconv.Itoa(n))
		collect(t, x)
		if got := x.ExitStatus(); got != n {
			t.Errorf("exit %d: got %d, want %d", n, got, n)
		}
	}
}

func TestStreams(t *testing.T) {
	x := start(t, helper("both"), "both")
	out, errout, chunks := collect(t, x)
	if out != "out" || errout != "err" {
		t.Fatalf("both: got (%q, %q), want (out, err)", out, errout)
	}
	if chunks[0].Stream != message.Stdout || chunks[len(chunks)-1].Stream != message.Stderr {
		t.Fatalf("both: got %v, want stdout before stderr", chunks)
	}
}

func TestEnviron(t *testing.T) {
	x, err := New(helper("env", "REMUSER", "REMOTE_USER", "REMCTL_COMMAND")).Start(context.Background(), "alice@EXAMPLE.ORG", [][]byte{[]byte("test")})
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()
	out, _, _ := collect(t, x)
	want := "REMUSER=alice@EXAMPLE.ORG\nREMOTE_USER=alice@EXAMPLE.ORG\nREMCTL_COMMAND=test\n"
	if out != want {
		t.Fatalf("env: got %q, want %q", out, want)
	}
	got := environ("bob", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 999}, nil)
	if got[len(got)-1] != "REMOTE_ADDR=10.0.0.1" {
		t.Fatalf("environ: got %q, want REMOTE_ADDR=10.0.0.1 last", got)
	}
}

func TestStdin(t *testing.T) {
	r := ResolverFunc(func(peer string, cmd [][]byte) (*Program, error) {
		p, err := helper("stdin")(peer, cmd[:1])
		if err != nil {
			return nil, err
		}
		p.Stdin = cmd[1]
		return p, nil
	})
	x := start(t, r, "store", "secret\x00data")
	if out, _, _ := collect(t, x); out != "secret\x00data" {
		t.Fatalf("stdin: got %q, want %q", out, "secret\x00data")
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	x, err := New(helper("sleep")).Start(ctx, "alice", [][]byte{[]byte("sleep")})
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()
	done := make(chan error, 1)
	go func() {
		_, err := x.Next()
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Next after cancel: got %v, want %v", err, context.Canceled)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("process was not killed")
	}
}

func TestCloseRunning(t *testing.T) {
	x, err := New(helper("sleep")).Start(context.Background(), "alice", [][]byte{[]byte("sleep")})
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Close(); err != nil {
		t.Fatalf("Close: %v != nil", err)
	}
	if got := x.ExitStatus(); got != -1 {
		t.Fatalf("ExitStatus after kill: got %d, want -1", got)
	}
}

func TestStartErrors(t *testing.T) {
	e := New(ResolverFunc(func(string, [][]byte) (*Program, error) {
		return &Program{Path: "/nonexistent/remctl-test"}, nil
	}))
	if _, err := e.Start(context.Background(), "alice", [][]byte{[]byte("x")}); err == nil {
		t.Errorf("Start(missing program): got nil, want error")
	}
	if _, err := New(helper("echo")).Start(context.Background(), "alice", [][]byte{[]byte("nosuch")}); !errors.Is(err, server.ErrUnknownCommand) {
		t.Errorf("Start(nosuch): got %v, want %v", err, server.ErrUnknownCommand)
	}
	if _, err := New(helper("echo")).Start(context.Background(), "alice", [][]byte{[]byte("echo"), []byte("a\x00b")}); !errors.Is(err, server.ErrBadCommand) {
		t.Errorf("Start(NUL argument): got %v, want %v", err, server.ErrBadCommand)
	}
}

func TestQuote(t *testing.T) {
	var tests = []struct {
		in  []string
		out string
	}{
		{in: []string{""}, out: "''"},
		{in: []string{"arg"}, out: "arg"},
		{in: []string{"arg space", "b"}, out: "'arg space' b"},
		{in: []string{"'"}, out: "''\"'\"''"},
	}
	for i, tt := range tests {
		if got := Quote(tt.in); got != tt.out {
			t.Errorf("%d: Quote(%q) = %s, want %s", i, tt.in, got, tt.out)
		}
	}
}
