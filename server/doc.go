// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server is for building remctl servers, a.k.a. remctld.
//
// A server authenticates each connection, then reads commands from it.
// Each command is handed to an Authorizer and, if allowed, to an
// Executor, whose output is relayed back to the client followed by
// exactly one status. A generation 2 connection carries any number of
// commands in sequence; a generation 1 connection carries one.
//
// The basic flow of setting up a server is similar to most such servers:
// a call to New, preceded or followed by a call to net.Listen to get a
// socket, and a call to Serve with the listener. A server run from
// inetd calls HandleConn on its one connection instead.
//
// Each connection has a time budget, Config.Timeout. It is re-armed
// whenever a command completes. When it runs out the running command is
// cancelled and the connection closed.
package server
