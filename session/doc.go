// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session runs the programs behind remctl commands, i.e. the
// processes started by remctld.
//
// New(r) returns an Executor. For each command, r resolves the
// arguments to a Program: a path, its arguments, and optionally one
// argument to feed on stdin instead. Start runs the Program in its own
// process group with REMUSER, REMOTE_USER, REMOTE_ADDR and
// REMCTL_COMMAND in its environment, and returns a Session that yields
// its stdout and stderr as they are read.
//
// Cancelling the context given to Start kills the whole process group,
// so a dropped connection leaves no orphaned work behind. On Linux the
// children are also killed if the server itself dies.
package session
