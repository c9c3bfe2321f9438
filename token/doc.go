// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package token implements remctl token framing.
//
// Every remctl exchange, from the first handshake token to the last
// status message, travels as a token: one flags byte, a four byte
// length in network byte order, and that many bytes of payload. The
// flags say whether the payload is a security context token, protected
// data, or a MIC, and whether the sender speaks protocol version 2.
//
// Decoding is incremental. A Decoder takes bytes as they arrive and
// hands back whole tokens only; a header declaring a payload larger
// than the configured ceiling is rejected before the payload is read.
package token

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}
