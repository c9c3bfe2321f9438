// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package protocol negotiates the remctl protocol generation and
// carries protected traffic once a security context exists.
//
// Generation 1 sends one protected command per connection, answered by
// a MIC and a single result token. Generation 2 (protocol versions 2
// and 3) exchanges messages inside protected data tokens for as many
// commands as the client likes. A server tells them apart by the
// protocol flag on the client's first token; a client tries generation
// 2 first and falls back to generation 1 once.
package protocol

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}
