// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

import (
	"encoding/binary"
	"fmt"
)

// Result is the single reply of a version 1 exchange: the exit status
// and all output, stdout and stderr mixed.
type Result struct {
	Status int32
	Output []byte
}

// EncodeResult returns the wire form of r.
func EncodeResult(r Result) []byte {
	b := make([]byte, 0, 8+len(r.Output))
	b = binary.BigEndian.AppendUint32(b, uint32(r.Status))
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Output)))
	return append(b, r.Output...)
}

// DecodeResult parses a version 1 result.
func DecodeResult(b []byte) (Result, error) {
	if len(b) < 8 {
		return Result{}, fmt.Errorf("%w: %d byte result", ErrTruncated, len(b))
	}
	status := int32(binary.BigEndian.Uint32(b))
	n := binary.BigEndian.Uint32(b[4:])
	if uint64(n) != uint64(len(b)-8) {
		return Result{}, fmt.Errorf("%w: result says %d bytes, has %d", ErrTruncated, n, len(b)-8)
	}
	return Result{Status: status, Output: b[8:]}, nil
}
