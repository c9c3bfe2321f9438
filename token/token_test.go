// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package token

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func allBytes() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	v = t.Logf
	var tests = []Token{
		{Flags: FlagNoop | FlagContextNext | FlagProtocol},
		{Flags: FlagContext, Payload: []byte("hello")},
		{Flags: FlagData | FlagProtocol, Payload: []byte("a\x00b\x00\x00")},
		{Flags: FlagData | FlagSendMIC, Payload: allBytes()},
		{Flags: FlagMIC, Payload: bytes.Repeat([]byte{0}, 4096)},
	}
	for _, tt := range tests {
		d := NewDecoder(0)
		d.Feed(Encode(tt))
		got, err := d.Decode()
		if err != nil {
			t.Errorf("Decode(Encode(%v)): got %v, want nil", tt, err)
			continue
		}
		if got.Flags != tt.Flags || !bytes.Equal(got.Payload, tt.Payload) {
			t.Errorf("Decode(Encode(%v)): got %v, want %v", tt, got, tt)
		}
		if d.Buffered() != 0 {
			t.Errorf("Buffered after decode: got %d, want 0", d.Buffered())
		}
	}
}

func TestDecodeOneByteAtATime(t *testing.T) {
	want := Token{Flags: FlagData | FlagProtocol, Payload: []byte("hello\x00world")}
	enc := Encode(want)
	d := NewDecoder(0)
	for i, b := range enc {
		d.Feed([]byte{b})
		got, err := d.Decode()
		if i < len(enc)-1 {
			if !errors.Is(err, ErrNeedMoreData) {
				t.Fatalf("byte %d: got (%v, %v), want ErrNeedMoreData", i, got, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("last byte: got %v, want nil", err)
		}
		if got.Flags != want.Flags || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("last byte: got %v, want %v", got, want)
		}
	}
}

func TestDecodeSeveralTokensInOneFeed(t *testing.T) {
	in := []Token{
		{Flags: FlagContext, Payload: []byte("one")},
		{Flags: FlagContext},
		{Flags: FlagData, Payload: []byte("three")},
	}
	var b []byte
	for _, tt := range in {
		b = AppendToken(b, tt)
	}
	// Leave the last token short by one byte.
	d := NewDecoder(0)
	d.Feed(b[:len(b)-1])
	for i := 0; i < 2; i++ {
		got, err := d.Decode()
		if err != nil {
			t.Fatalf("Decode %d: got %v, want nil", i, err)
		}
		if !bytes.Equal(got.Payload, in[i].Payload) {
			t.Fatalf("Decode %d: got %q, want %q", i, got.Payload, in[i].Payload)
		}
	}
	if _, err := d.Decode(); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("Decode short token: got %v, want ErrNeedMoreData", err)
	}
	d.Feed(b[len(b)-1:])
	got, err := d.Decode()
	if err != nil || string(got.Payload) != "three" {
		t.Fatalf("Decode last: got (%v, %v), want (three, nil)", got, err)
	}
}

func TestOversizedLengthRejectedBeforePayload(t *testing.T) {
	d := NewDecoder(16)
	hdr := Encode(Token{Flags: FlagData, Payload: make([]byte, 17)})[:HeaderLen]
	d.Feed(hdr)
	if _, err := d.Decode(); !errors.Is(err, ErrTooLarge) || !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode oversized header: got %v, want ErrTooLarge", err)
	}
	d.Feed(make([]byte, 17))
	if d.Buffered() > HeaderLen {
		t.Fatalf("Buffered after oversized header: got %d, want <= %d", d.Buffered(), HeaderLen)
	}
	if _, err := d.Decode(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode after failure: got %v, want sticky ErrMalformed", err)
	}

	// An exactly-full payload is fine.
	d = NewDecoder(16)
	d.Feed(Encode(Token{Flags: FlagData, Payload: make([]byte, 16)}))
	if _, err := d.Decode(); err != nil {
		t.Fatalf("Decode max-size token: got %v, want nil", err)
	}
}

func TestUnknownFlags(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte{0x80, 0, 0, 0, 0})
	if _, err := d.Decode(); !errors.Is(err, ErrUnknownFlags) {
		t.Fatalf("Decode(flags 0x80): got %v, want ErrUnknownFlags", err)
	}
}

func TestTruncatedHeader(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte{byte(FlagData), 0, 0})
	if _, err := d.Decode(); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("Decode(3 header bytes): got %v, want ErrNeedMoreData", err)
	}
	if d.Need() != 2 {
		t.Fatalf("Need: got %d, want 2", d.Need())
	}
}

type rw struct {
	io.Reader
	io.Writer
}

func TestConn(t *testing.T) {
	var out bytes.Buffer
	c := NewConn(rw{Reader: &bytes.Buffer{}, Writer: &out}, 0)
	want := []Token{
		{Flags: FlagNoop | FlagContextNext | FlagProtocol},
		{Flags: FlagContext | FlagProtocol, Payload: allBytes()},
	}
	for _, tt := range want {
		if err := c.WriteToken(tt); err != nil {
			t.Fatalf("WriteToken(%v): %v != nil", tt, err)
		}
	}

	in := bytes.NewReader(out.Bytes())
	c = NewConn(rw{Reader: in, Writer: io.Discard}, 0)
	f, err := c.PeekFlags()
	if err != nil {
		t.Fatalf("PeekFlags: %v != nil", err)
	}
	if f != want[0].Flags {
		t.Fatalf("PeekFlags: got %v, want %v", f, want[0].Flags)
	}
	for _, tt := range want {
		got, err := c.ReadToken()
		if err != nil {
			t.Fatalf("ReadToken: %v != nil", err)
		}
		if got.Flags != tt.Flags || !bytes.Equal(got.Payload, tt.Payload) {
			t.Fatalf("ReadToken: got %v, want %v", got, tt)
		}
	}
	if _, err := c.ReadToken(); err != io.EOF {
		t.Fatalf("ReadToken at end: got %v, want io.EOF", err)
	}
}

func TestConnShortToken(t *testing.T) {
	b := Encode(Token{Flags: FlagData, Payload: []byte("truncated")})
	c := NewConn(rw{Reader: bytes.NewReader(b[:8]), Writer: io.Discard}, 0)
	if _, err := c.ReadToken(); err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadToken(short): got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestConnWriteTooLarge(t *testing.T) {
	c := NewConn(rw{Reader: &bytes.Buffer{}, Writer: io.Discard}, 8)
	if err := c.WriteToken(Token{Flags: FlagData, Payload: make([]byte, 9)}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("WriteToken(9 bytes, max 8): got %v, want ErrTooLarge", err)
	}
}

func TestFlagsString(t *testing.T) {
	for _, tt := range []struct {
		f    Flags
		want string
	}{
		{0, "none"},
		{FlagContext | FlagProtocol, "context|protocol"},
		{FlagNoop | 0x80, "noop|0x80"},
	} {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("%#x.String(): got %q, want %q", uint8(tt.f), got, tt.want)
		}
	}
}
