// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/xmycroftx/remctl/security"
	"github.com/xmycroftx/remctl/token"
)

// Generation is a protocol generation.
type Generation int

// Protocol generations.
const (
	V1 Generation = 1
	V2 Generation = 2
)

func (g Generation) String() string {
	switch g {
	case V1:
		return "v1"
	case V2:
		return "v2"
	}
	return fmt.Sprintf("Generation(%d)", int(g))
}

// State is the negotiation state of a connection.
type State int

// Negotiation states.
const (
	Unknown State = iota
	V1Detected
	V2Established
	Closed
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case V1Detected:
		return "v1 detected"
	case V2Established:
		return "v2 established"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrNegotiation is wrapped by the error returned when neither
	// generation could be established.
	ErrNegotiation = errors.New("protocol: negotiation failed")
	// ErrDial is wrapped by errors from the Dialer, so a caller can
	// tell a connection failure from a handshake failure.
	ErrDial = errors.New("protocol: dial failed")
	// ErrUnexpected means a token had flags that do not fit the
	// protocol state.
	ErrUnexpected = fmt.Errorf("%w: unexpected token", token.ErrMalformed)
	// ErrGeneration means an operation was used on a connection of the
	// other generation.
	ErrGeneration = errors.New("protocol: operation not valid for this protocol generation")
)

const (
	openFlags = token.FlagNoop | token.FlagContextNext
	// v2Data marks every generation 2 message token.
	v2Data = token.FlagData | token.FlagProtocol
)

// Options tune a connection.
type Options struct {
	// MaxToken is the token payload ceiling. Zero means token.MaxLength.
	MaxToken uint32
	// MaxRounds bounds security establishment. Zero means
	// security.DefaultMaxRounds.
	MaxRounds int
}

// Detect reports the generation of the client on tc from the flags of
// its first token, without consuming it.
func Detect(tc *token.Conn) (Generation, error) {
	f, err := tc.PeekFlags()
	if err != nil {
		return 0, err
	}
	if f.Has(token.FlagProtocol) {
		return V2, nil
	}
	return V1, nil
}

func generationFlags(g Generation) token.Flags {
	if g == V2 {
		return token.FlagProtocol
	}
	return 0
}

// Accept runs the server side of negotiation on rwc. It detects the
// client's generation, consumes the opening token, and establishes
// mech as the acceptor. Accept does not close rwc on failure.
func Accept(rwc io.ReadWriteCloser, mech security.Mechanism, opts Options) (*Conn, error) {
	tc := token.NewConn(rwc, opts.MaxToken)
	gen, err := Detect(tc)
	if err != nil {
		return nil, err
	}
	c := &Conn{rwc: rwc, tc: tc, gen: gen, state: V1Detected}
	t, err := tc.ReadToken()
	if err != nil {
		return nil, err
	}
	if !t.Flags.Has(openFlags) {
		return nil, fmt.Errorf("%w: opening token %v", ErrUnexpected, t.Flags)
	}
	v("protocol: client speaks %v", gen)
	ctx, err := security.Establish(tc, mech, security.Config{
		Flags:     generationFlags(gen),
		MaxRounds: opts.MaxRounds,
	})
	if err != nil {
		return nil, err
	}
	c.sec = ctx
	if gen == V2 {
		c.state = V2Established
	}
	return c, nil
}

// Open runs the client side of negotiation for generation gen on rwc.
// Open does not close rwc on failure.
func Open(rwc io.ReadWriteCloser, gen Generation, mech security.Mechanism, opts Options) (*Conn, error) {
	tc := token.NewConn(rwc, opts.MaxToken)
	flags := generationFlags(gen)
	if err := tc.WriteToken(token.Token{Flags: openFlags | flags}); err != nil {
		return nil, err
	}
	ctx, err := security.Establish(tc, mech, security.Config{
		Initiator: true,
		Flags:     flags,
		MaxRounds: opts.MaxRounds,
	})
	if err != nil {
		return nil, err
	}
	c := &Conn{rwc: rwc, tc: tc, gen: gen, sec: ctx, state: V1Detected}
	if gen == V2 {
		c.state = V2Established
	}
	return c, nil
}

// Dialer opens a fresh transport to the server.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// MechanismFunc returns a new initiator mechanism for a transport.
type MechanismFunc func(rwc io.ReadWriteCloser) (security.Mechanism, error)

// Negotiate dials and opens a connection. Unless prefer is V1 it tries
// generation 2 first; if the server answers as a generation 1 server,
// or drops the connection during the handshake, it dials once more and
// uses generation 1. Errors from dial wrap ErrDial. If the retry also
// fails the error wraps ErrNegotiation and the retry's cause.
func Negotiate(ctx context.Context, dial Dialer, newMech MechanismFunc, prefer Generation, opts Options) (*Conn, error) {
	gens := []Generation{V2, V1}
	if prefer == V1 {
		gens = gens[1:]
	}
	var first error
	for i, gen := range gens {
		c, err := attempt(ctx, dial, newMech, gen, opts)
		if err == nil {
			return c, nil
		}
		if i > 0 {
			return nil, fmt.Errorf("%w: %v retry: %w (first attempt: %v)", ErrNegotiation, gen, err, first)
		}
		if len(gens) == 1 || !fallback(err) {
			return nil, err
		}
		v("protocol: %v handshake failed (%v), retrying with %v", gen, err, gens[i+1])
		first = err
	}
	panic("unreachable")
}

// fallback reports whether err is the way a generation 1 server
// reacts to a generation 2 client.
func fallback(err error) bool {
	if errors.Is(err, ErrDial) {
		return false
	}
	return errors.Is(err, security.ErrLegacyPeer) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func attempt(ctx context.Context, dial Dialer, newMech MechanismFunc, gen Generation, opts Options) (*Conn, error) {
	rwc, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	stop := context.AfterFunc(ctx, func() { rwc.Close() })
	defer stop()
	mech, err := newMech(rwc)
	if err != nil {
		rwc.Close()
		return nil, err
	}
	c, err := Open(rwc, gen, mech, opts)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		rwc.Close()
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	return c, nil
}
