// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package message encodes the messages that protocol version 2 and 3
// carry inside protected data tokens.
//
// A message is a version byte, a type byte, and a type-specific body.
// All integers are in network byte order.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol versions carried in the first byte of every message.
const (
	Version2 = 2
	Version3 = 3
	// MaxVersion is the highest version this package speaks.
	MaxVersion = Version3
)

const (
	// MaxData is the largest data block carried by one message.
	MaxData = 64 * 1024
	// MaxArgs bounds the argument count of a command.
	MaxArgs = 4 * 1024
	// MaxCommandData bounds the encoded size of a reassembled command.
	MaxCommandData = 16 * 1024 * 1024
)

// Type is a message type.
type Type uint8

// Message types.
const (
	TypeCommand Type = 1
	TypeQuit    Type = 2
	TypeOutput  Type = 3
	TypeStatus  Type = 4
	TypeError   Type = 5
	TypeVersion Type = 6
	TypeNoop    Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeQuit:
		return "quit"
	case TypeOutput:
		return "output"
	case TypeStatus:
		return "status"
	case TypeError:
		return "error"
	case TypeVersion:
		return "version"
	case TypeNoop:
		return "noop"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Stream selects stdout or stderr in an output message.
type Stream uint8

// Output streams.
const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("stream(%d)", uint8(s))
}

// Continue marks where a command message sits in a split command.
type Continue uint8

// Continuation states.
const (
	ContinueNone   Continue = 0
	ContinueFirst  Continue = 1
	ContinueMiddle Continue = 2
	ContinueLast   Continue = 3
)

var (
	// ErrTruncated means a message body is shorter than its fields say.
	ErrTruncated = errors.New("message: truncated")
	// ErrUnknownType means the type byte is not a known message type.
	ErrUnknownType = errors.New("message: unknown type")
	// ErrInvalid means a field holds a value outside its range.
	ErrInvalid = errors.New("message: invalid field")
)

// VersionError is returned when a message carries a version newer than
// MaxVersion. The peer should be told the highest version we speak.
type VersionError struct {
	Version uint8
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("message: unsupported protocol version %d", e.Version)
}

// Message is implemented by every message type.
type Message interface {
	Type() Type
	appendBody([]byte) []byte
	parseBody([]byte) error
}

// Command carries all or part of an encoded argument list.
type Command struct {
	KeepAlive bool
	Continue  Continue
	Data      []byte
}

// Quit asks the server to close the connection.
type Quit struct{}

// Output is a block of command output.
type Output struct {
	Stream Stream
	Data   []byte
}

// Status ends a command's output with its exit status.
type Status struct {
	Code uint8
}

// VersionReply tells the peer the highest protocol version we support.
type VersionReply struct {
	Highest uint8
}

// Noop is a keep-alive, echoed by the server. It needs version 3.
type Noop struct{}

func (*Command) Type() Type      { return TypeCommand }
func (*Quit) Type() Type         { return TypeQuit }
func (*Output) Type() Type       { return TypeOutput }
func (*Status) Type() Type       { return TypeStatus }
func (*Error) Type() Type        { return TypeError }
func (*VersionReply) Type() Type { return TypeVersion }
func (*Noop) Type() Type         { return TypeNoop }

// VersionFor returns the protocol version a message must be sent with.
func VersionFor(m Message) uint8 {
	if m.Type() == TypeNoop {
		return Version3
	}
	return Version2
}

// Encode returns the wire form of m at the given version.
func Encode(version uint8, m Message) []byte {
	b := []byte{version, byte(m.Type())}
	return m.appendBody(b)
}

// New returns an empty message of type t.
func New(t Type) (Message, error) {
	switch t {
	case TypeCommand:
		return &Command{}, nil
	case TypeQuit:
		return &Quit{}, nil
	case TypeOutput:
		return &Output{}, nil
	case TypeStatus:
		return &Status{}, nil
	case TypeError:
		return &Error{}, nil
	case TypeVersion:
		return &VersionReply{}, nil
	case TypeNoop:
		return &Noop{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
}

// Decode parses one message. A version above MaxVersion yields a
// *VersionError and no message.
func Decode(b []byte) (uint8, Message, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("%w: %d byte message", ErrTruncated, len(b))
	}
	version, t := b[0], Type(b[1])
	if version > MaxVersion {
		return version, nil, &VersionError{Version: version}
	}
	if version < Version2 {
		return version, nil, fmt.Errorf("%w: version %d", ErrInvalid, version)
	}
	m, err := New(t)
	if err != nil {
		return version, nil, err
	}
	if t == TypeNoop && version < Version3 {
		return version, nil, fmt.Errorf("%w: noop needs version %d", ErrUnknownType, Version3)
	}
	if err := m.parseBody(b[2:]); err != nil {
		return version, nil, fmt.Errorf("%v: %w", t, err)
	}
	return version, m, nil
}

func appendUint32(b []byte, n uint32) []byte {
	return binary.BigEndian.AppendUint32(b, n)
}

func (c *Command) appendBody(b []byte) []byte {
	var keep byte
	if c.KeepAlive {
		keep = 1
	}
	b = append(b, keep, byte(c.Continue))
	return append(b, c.Data...)
}

func (c *Command) parseBody(b []byte) error {
	if len(b) < 2 {
		return ErrTruncated
	}
	if b[0] > 1 || b[1] > byte(ContinueLast) {
		return ErrInvalid
	}
	c.KeepAlive = b[0] == 1
	c.Continue = Continue(b[1])
	c.Data = b[2:]
	return nil
}

func (*Quit) appendBody(b []byte) []byte { return b }

func (*Quit) parseBody(b []byte) error {
	if len(b) != 0 {
		return ErrInvalid
	}
	return nil
}

func (o *Output) appendBody(b []byte) []byte {
	b = append(b, byte(o.Stream))
	b = appendUint32(b, uint32(len(o.Data)))
	return append(b, o.Data...)
}

func (o *Output) parseBody(b []byte) error {
	if len(b) < 5 {
		return ErrTruncated
	}
	o.Stream = Stream(b[0])
	if o.Stream != Stdout && o.Stream != Stderr {
		return ErrInvalid
	}
	n := binary.BigEndian.Uint32(b[1:5])
	if uint64(n) != uint64(len(b)-5) {
		return ErrTruncated
	}
	o.Data = b[5:]
	return nil
}

func (s *Status) appendBody(b []byte) []byte { return append(b, s.Code) }

func (s *Status) parseBody(b []byte) error {
	if len(b) != 1 {
		return ErrTruncated
	}
	s.Code = b[0]
	return nil
}

func (e *Error) appendBody(b []byte) []byte {
	b = appendUint32(b, uint32(e.Code))
	b = appendUint32(b, uint32(len(e.Message)))
	return append(b, e.Message...)
}

func (e *Error) parseBody(b []byte) error {
	if len(b) < 8 {
		return ErrTruncated
	}
	e.Code = ErrorCode(binary.BigEndian.Uint32(b[0:4]))
	n := binary.BigEndian.Uint32(b[4:8])
	if uint64(n) != uint64(len(b)-8) {
		return ErrTruncated
	}
	e.Message = string(b[8:])
	return nil
}

func (r *VersionReply) appendBody(b []byte) []byte { return append(b, r.Highest) }

func (r *VersionReply) parseBody(b []byte) error {
	if len(b) != 1 {
		return ErrTruncated
	}
	r.Highest = b[0]
	return nil
}

func (*Noop) appendBody(b []byte) []byte { return b }

func (*Noop) parseBody(b []byte) error {
	if len(b) != 0 {
		return ErrInvalid
	}
	return nil
}
