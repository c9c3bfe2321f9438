// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/security"
	"github.com/xmycroftx/remctl/token"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

type keys struct {
	host, user *security.Credential
	auth       *security.AuthorizedKeys
}

func newKeys(t *testing.T) *keys {
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
	return &keys{host: host, user: user, auth: auth}
}

func (k *keys) initiator(t *testing.T) security.Mechanism {
	t.Helper()
	m, err := k.newInitiator(nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (k *keys) newInitiator(io.ReadWriteCloser) (security.Mechanism, error) {
	return security.NewInitiator(security.InitiatorConfig{
		Credential:      k.user,
		Target:          k.host.Principal,
		HostKeyCallback: ssh.FixedHostKey(k.host.Signer.PublicKey()),
	})
}

func (k *keys) acceptor(t *testing.T) security.Mechanism {
	t.Helper()
	m, err := security.NewAcceptor(security.AcceptorConfig{Credential: k.host, AuthorizedKeys: k.auth})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// pair negotiates gen over a pipe.
func pair(t *testing.T, k *keys, gen Generation) (client, server *Conn) {
	t.Helper()
	cp, sp := net.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		var err error
		client, err = Open(cp, gen, k.initiator(t), Options{})
		if err != nil {
			cp.Close()
		}
		return err
	})
	g.Go(func() error {
		var err error
		server, err = Accept(sp, k.acceptor(t), Options{})
		if err != nil {
			sp.Close()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("negotiating %v: %v", gen, err)
	}
	return client, server
}

func TestDetect(t *testing.T) {
	for _, tt := range []struct {
		flags token.Flags
		want  Generation
	}{
		{token.FlagNoop | token.FlagContextNext, V1},
		{token.FlagNoop | token.FlagContextNext | token.FlagProtocol, V2},
	} {
		var b bytes.Buffer
		b.Write(token.Encode(token.Token{Flags: tt.flags}))
		tc := token.NewConn(struct {
			io.Reader
			io.Writer
		}{&b, io.Discard}, 0)
		got, err := Detect(tc)
		if err != nil || got != tt.want {
			t.Errorf("Detect(%v): got (%v, %v), want (%v, nil)", tt.flags, got, err, tt.want)
		}
		// Nothing was consumed.
		if tok, err := tc.ReadToken(); err != nil || tok.Flags != tt.flags {
			t.Errorf("ReadToken after Detect: got (%v, %v), want %v", tok, err, tt.flags)
		}
	}
}

func TestV2Messages(t *testing.T) {
	k := newKeys(t)
	c, s := pair(t, k, V2)
	defer c.Close()
	defer s.Close()
	if c.State() != V2Established || s.State() != V2Established {
		t.Fatalf("State: got (%v, %v), want v2 established", c.State(), s.State())
	}
	if c.PeerName() != "host/test" || s.PeerName() != "user@TEST" {
		t.Fatalf("PeerName: got (%q, %q)", c.PeerName(), s.PeerName())
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := c.WriteMessage(&message.Noop{}); err != nil {
			return err
		}
		return c.WriteMessage(&message.Command{Continue: message.ContinueNone, Data: message.EncodeArgs([][]byte{[]byte("test")})})
	})
	ver, m, err := s.ReadMessage()
	if err != nil || ver != message.Version3 || m.Type() != message.TypeNoop {
		t.Fatalf("ReadMessage: got (%d, %v, %v), want (3, noop, nil)", ver, m, err)
	}
	ver, m, err = s.ReadMessage()
	if err != nil || ver != message.Version2 || m.Type() != message.TypeCommand {
		t.Fatalf("ReadMessage: got (%d, %v, %v), want (2, command, nil)", ver, m, err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if err := c.WriteCommandV1(nil); !errors.Is(err, ErrGeneration) {
		t.Errorf("WriteCommandV1 on v2: got %v, want ErrGeneration", err)
	}
}

func TestV1Command(t *testing.T) {
	k := newKeys(t)
	c, s := pair(t, k, V1)
	defer c.Close()
	defer s.Close()
	if c.State() != V1Detected || s.Generation() != V1 {
		t.Fatalf("got (%v, %v), want (v1 detected, v1)", c.State(), s.Generation())
	}
	args := [][]byte{[]byte("test"), []byte("a\x00b")}
	var g errgroup.Group
	g.Go(func() error {
		got, err := s.ReadCommandV1(0)
		if err != nil {
			return err
		}
		if len(got) != 2 || !bytes.Equal(got[1], args[1]) {
			t.Errorf("ReadCommandV1: got %q, want %q", got, args)
		}
		return s.WriteResultV1(3, []byte("hello\n"))
	})
	if err := c.WriteCommandV1(args); err != nil {
		t.Fatalf("WriteCommandV1: %v != nil", err)
	}
	r, err := c.ReadResultV1()
	if err != nil {
		t.Fatalf("ReadResultV1: %v != nil", err)
	}
	if r.Status != 3 || string(r.Output) != "hello\n" {
		t.Fatalf("ReadResultV1: got %v, want (3, hello)", r)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(&message.Quit{}); !errors.Is(err, ErrGeneration) {
		t.Errorf("WriteMessage on v1: got %v, want ErrGeneration", err)
	}
}

func TestV1ResultTruncated(t *testing.T) {
	k := newKeys(t)
	c, s := pair(t, k, V1)
	defer c.Close()
	defer s.Close()
	big := bytes.Repeat([]byte("x"), token.MaxLength)
	var g errgroup.Group
	g.Go(func() error {
		if _, err := s.ReadCommandV1(0); err != nil {
			return err
		}
		return s.WriteResultV1(0, big)
	})
	if err := c.WriteCommandV1([][]byte{[]byte("big")}); err != nil {
		t.Fatal(err)
	}
	r, err := c.ReadResultV1()
	if err != nil {
		t.Fatalf("ReadResultV1: %v != nil", err)
	}
	if len(r.Output) != s.MaxResultOutput() {
		t.Fatalf("output: got %d bytes, want %d", len(r.Output), s.MaxResultOutput())
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func listen(t *testing.T, serve func(net.Conn)) (Dialer, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				serve(c)
			}()
		}
	}()
	var dials atomic.Int32
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		dials.Add(1)
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}
	return dial, &dials
}

// legacyServer behaves like a server that only knows generation 1.
func legacyServer(t *testing.T, k *keys) func(net.Conn) {
	return func(nc net.Conn) {
		tc := token.NewConn(nc, 0)
		if _, err := tc.ReadToken(); err != nil {
			return
		}
		sec, err := security.Establish(tc, k.acceptor(t), security.Config{})
		if err != nil {
			return
		}
		c := &Conn{rwc: nc, tc: tc, sec: sec, gen: V1, state: V1Detected}
		args, err := c.ReadCommandV1(0)
		if err != nil {
			return
		}
		c.WriteResultV1(0, bytes.Join(args, []byte(" ")))
	}
}

func TestNegotiateFallsBackToV1(t *testing.T) {
	SetVerbose(t.Logf)
	defer SetVerbose(func(string, ...interface{}) {})
	k := newKeys(t)
	dial, dials := listen(t, legacyServer(t, k))
	c, err := Negotiate(context.Background(), dial, k.newInitiator, V2, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v != nil", err)
	}
	defer c.Close()
	if c.Generation() != V1 {
		t.Fatalf("Generation: got %v, want v1", c.Generation())
	}
	if n := dials.Load(); n != 2 {
		t.Fatalf("dials: got %d, want 2", n)
	}
	if err := c.WriteCommandV1([][]byte{[]byte("test"), []byte("test")}); err != nil {
		t.Fatal(err)
	}
	r, err := c.ReadResultV1()
	if err != nil || string(r.Output) != "test test" {
		t.Fatalf("ReadResultV1: got (%v, %v), want (test test, nil)", r, err)
	}
}

func TestNegotiateGivesUp(t *testing.T) {
	k := newKeys(t)
	// Read the opening token, then hang up.
	dial, dials := listen(t, func(nc net.Conn) {
		token.NewConn(nc, 0).ReadToken()
	})
	_, err := Negotiate(context.Background(), dial, k.newInitiator, V2, Options{})
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("Negotiate: got %v, want ErrNegotiation", err)
	}
	if n := dials.Load(); n != 2 {
		t.Fatalf("dials: got %d, want 2", n)
	}
}

func TestNegotiateV2(t *testing.T) {
	k := newKeys(t)
	gens := make(chan Generation, 1)
	dial, dials := listen(t, func(nc net.Conn) {
		c, err := Accept(nc, k.acceptor(t), Options{})
		if err != nil {
			return
		}
		gens <- c.Generation()
	})
	c, err := Negotiate(context.Background(), dial, k.newInitiator, V2, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v != nil", err)
	}
	defer c.Close()
	if c.Generation() != V2 || <-gens != V2 || dials.Load() != 1 {
		t.Fatalf("got generation %v after %d dials, want v2 after 1", c.Generation(), dials.Load())
	}
}

func TestNegotiatePreferV1(t *testing.T) {
	k := newKeys(t)
	gens := make(chan Generation, 1)
	dial, _ := listen(t, func(nc net.Conn) {
		c, err := Accept(nc, k.acceptor(t), Options{})
		if err != nil {
			return
		}
		gens <- c.Generation()
	})
	c, err := Negotiate(context.Background(), dial, k.newInitiator, V1, Options{})
	if err != nil {
		t.Fatalf("Negotiate: %v != nil", err)
	}
	defer c.Close()
	if got := <-gens; got != V1 {
		t.Fatalf("server saw %v, want v1", got)
	}
}

func TestNegotiateDialError(t *testing.T) {
	k := newKeys(t)
	var dials int
	dial := func(context.Context) (io.ReadWriteCloser, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	_, err := Negotiate(context.Background(), dial, k.newInitiator, V2, Options{})
	if !errors.Is(err, ErrDial) {
		t.Fatalf("Negotiate: got %v, want ErrDial", err)
	}
	if dials != 1 {
		t.Fatalf("dials: got %d, want 1", dials)
	}
}

func TestAcceptBadOpening(t *testing.T) {
	cp, sp := net.Pipe()
	defer cp.Close()
	go token.NewConn(cp, 0).WriteToken(token.Token{Flags: token.FlagContext | token.FlagProtocol})
	k := newKeys(t)
	if _, err := Accept(sp, k.acceptor(t), Options{}); !errors.Is(err, ErrUnexpected) {
		t.Fatalf("Accept(context token first): got %v, want ErrUnexpected", err)
	}
}
