// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package security

import (
	"errors"
	"fmt"

	"github.com/xmycroftx/remctl/token"
)

// DefaultMaxRounds bounds the number of Continue calls on one side.
const DefaultMaxRounds = 8

// TokenConn is the token transport Establish runs over.
type TokenConn interface {
	ReadToken() (token.Token, error)
	WriteToken(token.Token) error
}

// State is the establishment state of a Context.
type State int

// Context states.
const (
	InProgress State = iota
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "in progress"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config controls Establish.
type Config struct {
	Initiator bool
	// Flags are added to FlagContext on every token sent. Version 2
	// peers set FlagProtocol, and an initiator that sets it requires
	// the peer to set it too.
	Flags     token.Flags
	MaxRounds int
}

// Context is an established security context.
type Context struct {
	mech   Mechanism
	state  State
	rounds int
	closed bool
}

// Establish runs mech over tc until it is established, fails, or uses
// more than cfg.MaxRounds rounds. On failure the mechanism is deleted.
func Establish(tc TokenConn, mech Mechanism, cfg Config) (*Context, error) {
	max := cfg.MaxRounds
	if max <= 0 {
		max = DefaultMaxRounds
	}
	c := &Context{mech: mech, state: InProgress}
	var in []byte
	for {
		if c.rounds == max {
			return nil, c.fail(fmt.Errorf("%w: %d", ErrRoundLimit, max))
		}
		if !cfg.Initiator || c.rounds > 0 {
			t, err := tc.ReadToken()
			if err != nil {
				return nil, c.fail(fmt.Errorf("reading context token: %w", err))
			}
			if err := checkContextToken(t.Flags, cfg); err != nil {
				return nil, c.fail(err)
			}
			in = t.Payload
		}
		c.rounds++
		out, err := mech.Continue(in)
		if err != nil {
			return nil, c.fail(err)
		}
		if len(out) > 0 {
			if err := tc.WriteToken(token.Token{Flags: token.FlagContext | cfg.Flags, Payload: out}); err != nil {
				return nil, c.fail(fmt.Errorf("writing context token: %w", err))
			}
		}
		if mech.IsEstablished() {
			c.state = Complete
			v("security: established with %q after %d rounds", mech.PeerName(), c.rounds)
			return c, nil
		}
	}
}

func checkContextToken(f token.Flags, cfg Config) error {
	if cfg.Initiator && cfg.Flags.Has(token.FlagProtocol) && !f.Has(token.FlagProtocol) {
		return fmt.Errorf("%w: reply flags %v", ErrLegacyPeer, f)
	}
	if !f.Has(token.FlagContext) {
		return fmt.Errorf("%w: flags %v", ErrUnexpectedToken, f)
	}
	return nil
}

func (c *Context) fail(err error) error {
	c.state = Failed
	c.mech.Delete()
	return err
}

func (c *Context) ready() error {
	if c == nil || c.closed || c.state != Complete {
		return ErrNotEstablished
	}
	return nil
}

func (c *Context) check(err error) error {
	if errors.Is(err, ErrIntegrity) {
		c.state = Failed
	}
	return err
}

// Protect wraps msg for the peer.
func (c *Context) Protect(msg []byte) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	b, err := c.mech.Wrap(msg)
	return b, c.check(err)
}

// Unprotect verifies and unwraps a token from the peer. An integrity
// failure leaves the Context failed.
func (c *Context) Unprotect(tok []byte) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	b, err := c.mech.Unwrap(tok)
	return b, c.check(err)
}

// MIC returns a message integrity code for payload.
func (c *Context) MIC(payload []byte) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.mech.MakeSignature(payload)
}

// VerifyMIC checks a MIC from the peer.
func (c *Context) VerifyMIC(payload, mic []byte) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.check(c.mech.VerifySignature(payload, mic))
}

// PeerName is the authenticated name of the peer.
func (c *Context) PeerName() string {
	if c == nil {
		return ""
	}
	return c.mech.PeerName()
}

// State returns the establishment state.
func (c *Context) State() State {
	if c == nil {
		return Failed
	}
	return c.state
}

// Rounds returns how many Continue calls establishment took.
func (c *Context) Rounds() int {
	if c == nil {
		return 0
	}
	return c.rounds
}

// Close releases the context. It may be called on a nil or failed
// Context, and more than once.
func (c *Context) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	return c.mech.Delete()
}
