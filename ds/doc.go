// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Decentralized Services (aka ds)
// Inspired by http://man.cat-v.org/inferno/8/cs
//
// This package provides an opinionated DNS-SD for remctl and remctld.
//
// A remctld may advertise itself as _remctl._tcp. Beyond the address,
// the TXT record carries the server's architecture, load, and number of
// open connections, and a client may ask for servers that match
// criteria given in a dnssd: URI, for example
//
//	dnssd://local/_remctl._tcp?arch=arm64
package ds
