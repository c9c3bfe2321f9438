// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/security"
	"github.com/xmycroftx/remctl/token"
)

// v1Overhead covers the wrap and result headers around v1 output.
const v1Overhead = 64

// Conn is a negotiated connection.
type Conn struct {
	rwc   io.ReadWriteCloser
	tc    *token.Conn
	sec   *security.Context
	gen   Generation
	state State
}

// Generation returns the negotiated generation.
func (c *Conn) Generation() Generation { return c.gen }

// State returns the negotiation state.
func (c *Conn) State() State { return c.state }

// PeerName returns the authenticated name of the peer.
func (c *Conn) PeerName() string { return c.sec.PeerName() }

// Security returns the security context.
func (c *Conn) Security() *security.Context { return c.sec }

// Tokens returns the token layer of the connection.
func (c *Conn) Tokens() *token.Conn { return c.tc }

// SetWriteDeadline sets a write deadline if the transport supports one.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	d, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error })
	if !ok {
		return nil
	}
	return d.SetWriteDeadline(t)
}

func (c *Conn) need(g Generation) error {
	if c.state == Closed {
		return io.ErrClosedPipe
	}
	if c.gen != g {
		return fmt.Errorf("%w: connection is %v", ErrGeneration, c.gen)
	}
	return nil
}

// WriteMessage protects and sends a generation 2 message at the version
// it requires.
func (c *Conn) WriteMessage(m message.Message) error {
	return c.WriteMessageVersion(message.VersionFor(m), m)
}

// WriteMessageVersion is WriteMessage with an explicit version byte.
func (c *Conn) WriteMessageVersion(version uint8, m message.Message) error {
	if err := c.need(V2); err != nil {
		return err
	}
	b, err := c.sec.Protect(message.Encode(version, m))
	if err != nil {
		return err
	}
	v("protocol: send %v", m.Type())
	return c.tc.WriteToken(token.Token{Flags: v2Data, Payload: b})
}

// ReadMessage reads and unprotects one generation 2 message. Errors
// wrapping security.ErrIntegrity mean the connection cannot be trusted
// further; a *message.VersionError means the peer speaks a newer
// version; errors from message.Decode describe a bad message.
func (c *Conn) ReadMessage() (uint8, message.Message, error) {
	if err := c.need(V2); err != nil {
		return 0, nil, err
	}
	t, err := c.tc.ReadToken()
	if err != nil {
		return 0, nil, err
	}
	if t.Flags != v2Data {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnexpected, t.Flags)
	}
	b, err := c.sec.Unprotect(t.Payload)
	if err != nil {
		return 0, nil, err
	}
	ver, m, err := message.Decode(b)
	if err == nil {
		v("protocol: recv %v (version %d)", m.Type(), ver)
	}
	return ver, m, err
}

// WriteCommandV1 sends a generation 1 command and checks the MIC the
// server returns for it.
func (c *Conn) WriteCommandV1(args [][]byte) error {
	if err := c.need(V1); err != nil {
		return err
	}
	block := message.EncodeArgs(args)
	b, err := c.sec.Protect(block)
	if err != nil {
		return err
	}
	if err := c.tc.WriteToken(token.Token{Flags: token.FlagData | token.FlagSendMIC, Payload: b}); err != nil {
		return err
	}
	t, err := c.tc.ReadToken()
	if err != nil {
		return err
	}
	if !t.Flags.Has(token.FlagMIC) {
		return fmt.Errorf("%w: want MIC, got %v", ErrUnexpected, t.Flags)
	}
	return c.sec.VerifyMIC(block, t.Payload)
}

// ReadCommandV1 reads a generation 1 command and answers with its MIC.
// The MIC is sent before the arguments are decoded, so a bad argument
// block still leaves the client waiting for a result.
func (c *Conn) ReadCommandV1(maxArgs int) ([][]byte, error) {
	if err := c.need(V1); err != nil {
		return nil, err
	}
	t, err := c.tc.ReadToken()
	if err != nil {
		return nil, err
	}
	if !t.Flags.Has(token.FlagData) || t.Flags.Has(token.FlagProtocol) {
		return nil, fmt.Errorf("%w: want v1 data, got %v", ErrUnexpected, t.Flags)
	}
	block, err := c.sec.Unprotect(t.Payload)
	if err != nil {
		return nil, err
	}
	mic, err := c.sec.MIC(block)
	if err != nil {
		return nil, err
	}
	if err := c.tc.WriteToken(token.Token{Flags: token.FlagMIC, Payload: mic}); err != nil {
		return nil, err
	}
	return message.DecodeArgs(block, maxArgs)
}

// MaxResultOutput is the most output one v1 result can carry.
func (c *Conn) MaxResultOutput() int {
	return int(c.tc.Max()) - v1Overhead
}

// WriteResultV1 sends the single result of a generation 1 command.
// Output beyond MaxResultOutput is dropped.
func (c *Conn) WriteResultV1(status int32, output []byte) error {
	if err := c.need(V1); err != nil {
		return err
	}
	if max := c.MaxResultOutput(); len(output) > max {
		output = output[:max]
	}
	b, err := c.sec.Protect(message.EncodeResult(message.Result{Status: status, Output: output}))
	if err != nil {
		return err
	}
	return c.tc.WriteToken(token.Token{Flags: token.FlagData, Payload: b})
}

// ReadResultV1 reads the result of a generation 1 command.
func (c *Conn) ReadResultV1() (message.Result, error) {
	if err := c.need(V1); err != nil {
		return message.Result{}, err
	}
	t, err := c.tc.ReadToken()
	if err != nil {
		return message.Result{}, err
	}
	if !t.Flags.Has(token.FlagData) {
		return message.Result{}, fmt.Errorf("%w: want result, got %v", ErrUnexpected, t.Flags)
	}
	b, err := c.sec.Unprotect(t.Payload)
	if err != nil {
		return message.Result{}, err
	}
	return message.DecodeResult(b)
}

// Close releases the security context and closes the transport.
func (c *Conn) Close() error {
	if c.state == Closed {
		return nil
	}
	c.state = Closed
	var err error
	if cerr := c.sec.Close(); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	if cerr := c.rwc.Close(); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	return err
}
