// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Flags is the header byte of a token.
type Flags uint8

// Token flags. A token's flags say what its payload is; the meaning of
// a data payload is decided by the protocol generation.
const (
	FlagNoop        Flags = 0x01
	FlagContext     Flags = 0x02
	FlagData        Flags = 0x04
	FlagMIC         Flags = 0x08
	FlagContextNext Flags = 0x10
	FlagSendMIC     Flags = 0x20
	FlagProtocol    Flags = 0x40

	flagsKnown = FlagNoop | FlagContext | FlagData | FlagMIC | FlagContextNext | FlagSendMIC | FlagProtocol
)

const (
	// HeaderLen is the size of the flags byte plus the length word.
	HeaderLen = 5
	// MaxLength is the default ceiling on a token payload.
	MaxLength = 1024 * 1024
)

var (
	// ErrNeedMoreData is returned by Decode when the buffered bytes
	// do not yet hold a whole token.
	ErrNeedMoreData = errors.New("token: need more data")
	// ErrMalformed is wrapped by every decode error that must end the connection.
	ErrMalformed = errors.New("token: malformed")
	// ErrTooLarge means a token declared a length over the ceiling.
	ErrTooLarge = fmt.Errorf("%w: length exceeds maximum", ErrMalformed)
	// ErrUnknownFlags means the header byte has bits no generation defines.
	ErrUnknownFlags = fmt.Errorf("%w: unknown flags", ErrMalformed)
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagNoop, "noop"},
	{FlagContext, "context"},
	{FlagData, "data"},
	{FlagMIC, "mic"},
	{FlagContextNext, "context-next"},
	{FlagSendMIC, "send-mic"},
	{FlagProtocol, "protocol"},
}

// String implements fmt.Stringer.
func (f Flags) String() string {
	var s []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			s = append(s, n.name)
		}
	}
	if u := f &^ flagsKnown; u != 0 {
		s = append(s, fmt.Sprintf("%#x", uint8(u)))
	}
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, "|")
}

// Has reports whether all of want are set.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// Token is one framed protocol message.
type Token struct {
	Flags   Flags
	Payload []byte
}

func (t Token) String() string {
	return fmt.Sprintf("token[%v, %d bytes]", t.Flags, len(t.Payload))
}

// AppendToken appends the wire form of t to b.
func AppendToken(b []byte, t Token) []byte {
	var h [HeaderLen]byte
	h[0] = byte(t.Flags)
	binary.BigEndian.PutUint32(h[1:], uint32(len(t.Payload)))
	b = append(b, h[:]...)
	return append(b, t.Payload...)
}

// Encode returns the wire form of t.
func Encode(t Token) []byte {
	return AppendToken(make([]byte, 0, HeaderLen+len(t.Payload)), t)
}

// checkHeader validates a complete header against max.
func checkHeader(f Flags, length, max uint32) error {
	if f&^flagsKnown != 0 {
		return fmt.Errorf("%w: %v", ErrUnknownFlags, f)
	}
	if length > max {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, length, max)
	}
	return nil
}
