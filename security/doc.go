// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package security establishes mutually authenticated, protected
// sessions for remctl.
//
// A Mechanism produces and consumes opaque context tokens until both
// sides agree on keys, then wraps and unwraps data and computes MICs.
// Establish drives a Mechanism over token framing and returns a Context.
//
// The mechanism shipped here authenticates both ends with ssh keys. The
// initiator and acceptor run an ephemeral X25519 plus ML-KEM-768 key
// exchange; the acceptor signs the transcript with its host key, which
// the initiator checks with an ssh.HostKeyCallback, and the initiator
// then proves its own key under the new session keys. The acceptor maps
// that key to a principal through an authorized_keys file.
package security

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}
