// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package token

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Conn reads and writes tokens on a byte stream.
// Reads never go past the end of the token being read, so a Conn can be
// handed between layers without losing bytes.
type Conn struct {
	r   *bufio.Reader
	w   io.Writer
	max uint32
}

// NewConn returns a Conn on rw. A zero max means MaxLength.
func NewConn(rw io.ReadWriter, max uint32) *Conn {
	if max == 0 {
		max = MaxLength
	}
	return &Conn{r: bufio.NewReader(rw), w: rw, max: max}
}

// Max returns the payload ceiling of the Conn.
func (c *Conn) Max() uint32 {
	return c.max
}

// PeekFlags returns the flags of the next token without consuming it.
func (c *Conn) PeekFlags() (Flags, error) {
	b, err := c.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return Flags(b[0]), nil
}

// ReadToken reads one token. It returns io.EOF if the stream ends cleanly
// between tokens and io.ErrUnexpectedEOF if it ends inside one.
func (c *Conn) ReadToken() (Token, error) {
	d := NewDecoder(c.max)
	var buf [HeaderLen]byte
	for first := true; ; first = false {
		t, err := d.Decode()
		if err == nil {
			v("read %v", t)
			return t, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return Token{}, err
		}
		n := d.Need()
		var p []byte
		if n <= len(buf) {
			p = buf[:n]
		} else {
			p = make([]byte, n)
		}
		if _, err := io.ReadFull(c.r, p); err != nil {
			if errors.Is(err, io.EOF) && !first {
				err = io.ErrUnexpectedEOF
			}
			return Token{}, err
		}
		d.Feed(p)
	}
}

// WriteToken writes t as one write on the underlying stream.
func (c *Conn) WriteToken(t Token) error {
	if err := checkHeader(t.Flags, uint32(len(t.Payload)), c.max); err != nil {
		return err
	}
	if uint64(len(t.Payload)) > uint64(c.max) {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(t.Payload), c.max)
	}
	v("write %v", t)
	_, err := c.w.Write(Encode(t))
	return err
}
