// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTooManyArgs means an argument block declares more than the
	// allowed number of arguments.
	ErrTooManyArgs = errors.New("message: too many arguments")
	// ErrTooMuchData means a reassembled command grew past MaxCommandData.
	ErrTooMuchData = errors.New("message: too much data")
	// ErrBadArgs means an argument block is malformed.
	ErrBadArgs = errors.New("message: bad argument block")
	// ErrSequence means continuation flags arrived out of order.
	ErrSequence = errors.New("message: bad continuation sequence")
)

// EncodeArgs returns the argument block for args: a count followed by
// length-prefixed arguments. Arguments may hold any bytes, NUL included.
func EncodeArgs(args [][]byte) []byte {
	n := 4
	for _, a := range args {
		n += 4 + len(a)
	}
	b := make([]byte, 0, n)
	b = binary.BigEndian.AppendUint32(b, uint32(len(args)))
	for _, a := range args {
		b = binary.BigEndian.AppendUint32(b, uint32(len(a)))
		b = append(b, a...)
	}
	return b
}

// DecodeArgs parses an argument block. A block that declares more than
// maxArgs arguments fails with ErrTooManyArgs; zero arguments, short
// data, or trailing bytes fail with ErrBadArgs.
func DecodeArgs(b []byte, maxArgs int) ([][]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: no argument count", ErrBadArgs)
	}
	argc := binary.BigEndian.Uint32(b)
	b = b[4:]
	if argc == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrBadArgs)
	}
	if maxArgs > 0 && uint64(argc) > uint64(maxArgs) {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyArgs, argc, maxArgs)
	}
	// Each argument needs at least its length word.
	if uint64(argc)*4 > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %d arguments in %d bytes", ErrBadArgs, argc, len(b))
	}
	args := make([][]byte, 0, argc)
	for i := uint32(0); i < argc; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: argument %d: missing length", ErrBadArgs, i)
		}
		n := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return nil, fmt.Errorf("%w: argument %d: %d bytes, %d left", ErrBadArgs, i, n, len(b))
		}
		args = append(args, b[:n:n])
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadArgs, len(b))
	}
	return args, nil
}

// SplitCommand breaks an argument block into command messages whose
// data is at most max bytes each. A block that fits is sent as a single
// message with ContinueNone.
func SplitCommand(block []byte, keepAlive bool, max int) []*Command {
	if max <= 0 {
		max = MaxData
	}
	if len(block) <= max {
		return []*Command{{KeepAlive: keepAlive, Continue: ContinueNone, Data: block}}
	}
	var cmds []*Command
	for off := 0; off < len(block); off += max {
		end := off + max
		if end > len(block) {
			end = len(block)
		}
		c := &Command{KeepAlive: keepAlive, Continue: ContinueMiddle, Data: block[off:end]}
		switch {
		case off == 0:
			c.Continue = ContinueFirst
		case end == len(block):
			c.Continue = ContinueLast
		}
		cmds = append(cmds, c)
	}
	return cmds
}

// Assembler rebuilds a command from a sequence of command messages.
type Assembler struct {
	maxArgs int
	maxData int
	buf     []byte
	started bool
	keep    bool
}

// NewAssembler returns an Assembler with the given limits. Zero values
// select MaxArgs and MaxCommandData.
func NewAssembler(maxArgs, maxData int) *Assembler {
	if maxArgs <= 0 {
		maxArgs = MaxArgs
	}
	if maxData <= 0 {
		maxData = MaxCommandData
	}
	return &Assembler{maxArgs: maxArgs, maxData: maxData}
}

// Add takes the next command message. It reports done once the command
// is whole. After an error the Assembler is reset.
func (a *Assembler) Add(c *Command) (done bool, err error) {
	switch c.Continue {
	case ContinueNone, ContinueFirst:
		if a.started {
			a.Reset()
			return false, fmt.Errorf("%w: %d while assembling", ErrSequence, c.Continue)
		}
	case ContinueMiddle, ContinueLast:
		if !a.started {
			return false, fmt.Errorf("%w: %d with nothing started", ErrSequence, c.Continue)
		}
	default:
		a.Reset()
		return false, fmt.Errorf("%w: continue %d", ErrSequence, c.Continue)
	}
	if len(a.buf)+len(c.Data) > a.maxData {
		a.Reset()
		return false, fmt.Errorf("%w: over %d bytes", ErrTooMuchData, a.maxData)
	}
	a.buf = append(a.buf, c.Data...)
	a.keep = c.KeepAlive
	a.started = c.Continue == ContinueFirst || c.Continue == ContinueMiddle
	return !a.started, nil
}

// Args decodes the assembled command and resets the Assembler.
func (a *Assembler) Args() ([][]byte, error) {
	b := a.buf
	a.Reset()
	return DecodeArgs(b, a.maxArgs)
}

// KeepAlive reports the keep-alive flag of the last message added.
func (a *Assembler) KeepAlive() bool {
	return a.keep
}

// InProgress reports whether a split command is partly assembled.
func (a *Assembler) InProgress() bool {
	return a.started
}

// Reset discards any partial command.
func (a *Assembler) Reset() {
	a.buf = nil
	a.started = false
}
