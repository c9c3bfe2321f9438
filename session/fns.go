// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"net"
	"strings"
)

// environ returns the variables that tell a program who ran it.
func environ(peer string, addr net.Addr, args [][]byte) []string {
	env := []string{
		"REMUSER=" + peer,
		"REMOTE_USER=" + peer,
	}
	if addr != nil {
		host := addr.String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		env = append(env, "REMOTE_ADDR="+host)
	}
	if len(args) > 0 {
		env = append(env, "REMCTL_COMMAND="+string(args[0]))
	}
	return env
}

// Argv returns args as strings, for Resolvers that pass them on.
func Argv(args [][]byte) []string {
	s := make([]string, len(args))
	for i, a := range args {
		s[i] = string(a)
	}
	return s
}

// Quote returns args as one loggable string.
func Quote(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\") {
			a = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
		}
		q[i] = a
	}
	return strings.Join(q, " ")
}
