// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package token

import (
	"encoding/binary"
)

// Decoder assembles tokens from bytes that arrive in arbitrary pieces.
// It never blocks: Decode reports ErrNeedMoreData until a whole token
// is buffered. A header that fails validation is reported as soon as
// its fifth byte arrives, before any payload is copied, and the error
// sticks: a stream that carried one malformed token has no trustworthy
// framing after it.
type Decoder struct {
	max uint32

	hdr    [HeaderLen]byte
	nhdr   int
	flags  Flags
	length uint32

	payload []byte
	npay    int

	// rest holds bytes fed past the end of the current token.
	rest []byte
	err  error
}

// NewDecoder returns a Decoder that rejects payloads over max bytes.
// A zero max means MaxLength.
func NewDecoder(max uint32) *Decoder {
	if max == 0 {
		max = MaxLength
	}
	return &Decoder{max: max}
}

// Feed hands more input to the decoder. Bytes belonging to later tokens
// are kept until the current token has been taken with Decode.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil || len(p) == 0 {
		return
	}
	if len(d.rest) > 0 || d.complete() {
		d.rest = append(d.rest, p...)
		return
	}
	d.consume(p)
}

// consume moves bytes from p into the current token, stashing any excess.
func (d *Decoder) consume(p []byte) {
	if d.nhdr < HeaderLen {
		n := copy(d.hdr[d.nhdr:], p)
		d.nhdr += n
		p = p[n:]
		if d.nhdr < HeaderLen {
			return
		}
		d.flags = Flags(d.hdr[0])
		d.length = binary.BigEndian.Uint32(d.hdr[1:])
		if err := checkHeader(d.flags, d.length, d.max); err != nil {
			d.err = err
			d.rest = nil
			return
		}
		d.payload = make([]byte, d.length)
	}
	n := copy(d.payload[d.npay:], p)
	d.npay += n
	if p = p[n:]; len(p) > 0 {
		d.rest = append(d.rest, p...)
	}
}

func (d *Decoder) complete() bool {
	return d.nhdr == HeaderLen && d.npay == int(d.length)
}

// Decode returns the next whole token, ErrNeedMoreData, or an error
// wrapping ErrMalformed.
func (d *Decoder) Decode() (Token, error) {
	if d.err != nil {
		return Token{}, d.err
	}
	if !d.complete() {
		return Token{}, ErrNeedMoreData
	}
	t := Token{Flags: d.flags, Payload: d.payload}
	d.reset()
	if rest := d.rest; len(rest) > 0 {
		d.rest = nil
		d.consume(rest)
	}
	return t, nil
}

func (d *Decoder) reset() {
	d.nhdr, d.npay = 0, 0
	d.flags, d.length = 0, 0
	d.payload = nil
}

// Need returns the number of bytes that would complete the current step:
// the rest of the header, or the rest of the payload. It returns 0 when
// a token is ready or the decoder has failed.
func (d *Decoder) Need() int {
	switch {
	case d.err != nil || len(d.rest) > 0:
		return 0
	case d.nhdr < HeaderLen:
		return HeaderLen - d.nhdr
	default:
		return int(d.length) - d.npay
	}
}

// Buffered returns how many input bytes the decoder is holding.
func (d *Decoder) Buffered() int {
	return d.nhdr + d.npay + len(d.rest)
}
