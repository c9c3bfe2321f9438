// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// remctl runs one command on a remctld server.
//
// Synopsis:
//
//	remctl [OPTIONS] host type [subcommand [args...]]
//
// The command's output is copied to stdout and stderr as it arrives,
// and remctl exits with the command's exit status. If the server
// reports an error, it is printed and remctl exits 255.
//
// The host may be a dnssd: URI, e.g. dnssd:?arch=arm64, which is
// resolved to the best server advertising itself with DNS-SD.
//
// Options:
//
//	-1        use protocol version 1 only
//	-d        enable debug prints
//	-hk       file holding the server's public key
//	-insecure do not check the server's host key
//	-k        private key file (default from ssh config, else ~/.ssh/remctl_ed25519)
//	-kh       known_hosts file (default ~/.ssh/known_hosts)
//	-net      network: tcp, tcp4, tcp6, unix, or vsock
//	-p        port (default 4373, then 4444)
//	-s        principal the server must present
//	-t        connect timeout, e.g. 30s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xmycroftx/remctl/client"
	"github.com/xmycroftx/remctl/ds"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/protocol"
	"github.com/xmycroftx/remctl/security"
)

var (
	debug       = flag.Bool("d", false, "enable debug prints")
	hostKeyFile = flag.String("hk", "", "file for host key")
	insecure    = flag.Bool("insecure", false, "do not verify the server's host key")
	keyFile     = flag.String("k", "", "key file")
	knownHosts  = flag.String("kh", "", "known_hosts file")
	network     = flag.String("net", "tcp", "network type to use")
	port        = flag.String("p", "", "remctl port; default tries 4373, then 4444")
	principal   = flag.String("s", "", "principal the server must authenticate as")
	timeout     = flag.String("t", "", "connect timeout")
	v1          = flag.Bool("1", false, "use protocol version 1")

	v = func(string, ...interface{}) {}
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] host type [subcommand [args...]]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(255)
}

func flags() {
	flag.Usage = usage
	flag.Parse()
	if *debug {
		v = log.Printf
		client.SetVerbose(log.Printf)
		protocol.SetVerbose(log.Printf)
		security.SetVerbose(log.Printf)
		ds.SetVerbose(log.Printf)
	}
}

func opts() []client.Set {
	o := []client.Set{
		client.WithPort(*port),
		client.WithNetwork(*network),
		client.WithPrincipal(*principal),
		client.WithPrivateKeyFile(*keyFile),
		client.WithHostKeyFile(*hostKeyFile),
		client.WithKnownHosts(*knownHosts),
		client.WithInsecureHostKey(*insecure),
		client.WithTimeout(*timeout),
	}
	if *v1 {
		o = append(o, client.WithProtocol(protocol.V1))
	}
	return o
}

// run returns the exit status remctl should exit with.
func run(host string, args []string) (int, error) {
	c, err := client.New(host, opts()...)
	if err != nil {
		return 255, err
	}
	if err := c.Dial(context.Background()); err != nil {
		return 255, fmt.Errorf("cannot connect to %s: %w", host, err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			v("close: %v", err)
		}
	}()
	v("connected to %s (%v) as %q", c.Addr(), c.Generation(), c.PeerName())
	res, err := c.Stream(args, os.Stdout, os.Stderr)
	if err != nil {
		return 255, err
	}
	return res.Status, nil
}

func main() {
	flags()
	a := flag.Args()
	if len(a) < 2 {
		usage()
	}
	status, err := run(a[0], a[1:])
	if err != nil {
		var me *message.Error
		if errors.As(err, &me) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", me.Message)
		} else {
			fmt.Fprintf(os.Stderr, "remctl: %v\n", err)
		}
	}
	os.Exit(status)
}
