// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// remctld runs commands for remctl clients.
//
// Synopsis:
//
//	remctld [OPTIONS]
//
// Without -m, remctld serves the one connection on its standard input,
// as started by inetd or systemd socket activation. With -m it listens
// and serves connections until it receives SIGHUP or SIGTERM.
//
// Settings given as flags override those in the configuration file.
//
// Options:
//
//	-P         write the pid to this file (with -m)
//	-ak        authorized_keys file mapping client keys to principals
//	-d         enable debug prints
//	-dnssd     advertise the server with DNS-SD (with -m)
//	-f         configuration file (default /etc/remctl/remctl.toml)
//	-hk        host key file
//	-klog      log debug prints to the kernel log, not stderr
//	-m         stand-alone mode
//	-net       network: tcp, tcp4, tcp6, unix, or vsock
//	-p         port (default 4373)
//	-register  address to tell, once listening
//	-s         principal the server presents to clients
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/u-root/u-root/pkg/ulog"
	"github.com/xmycroftx/remctl/config"
	"github.com/xmycroftx/remctl/ds"
	"github.com/xmycroftx/remctl/protocol"
	"github.com/xmycroftx/remctl/security"
	"github.com/xmycroftx/remctl/server"
	"github.com/xmycroftx/remctl/session"
)

const (
	defaultConfig = "/etc/remctl/remctl.toml"
	defaultPort   = "4373"
	defaultHost   = "/etc/remctl/host_ed25519"
	defaultAuth   = "/etc/remctl/authorized_keys"
)

var (
	authorizedKeys = flag.String("ak", "", "authorized_keys file")
	configFile     = flag.String("f", defaultConfig, "configuration file")
	debug          = flag.Bool("d", false, "enable debug prints")
	hostKeyFile    = flag.String("hk", "", "file for host key")
	klog           = flag.Bool("klog", false, "Log remctld messages in kernel log, not stderr")
	network        = flag.String("net", "", "network to use")
	pidFile        = flag.String("P", "", "write the pid to this file")
	port           = flag.String("p", "", "port to listen on in stand-alone mode")
	principal      = flag.String("s", "", "principal to present to clients")
	standalone     = flag.Bool("m", false, "stand-alone daemon mode")

	// Some networks are not well behaved, and for them we implement registration.
	registerAddr = flag.String("register", "", "address and port to register with after listen on remctl port")
	registerTO   = flag.Duration("registerTO", 5*time.Second, "time.Duration for Dial address for registering")

	dsEnabled   = flag.Bool("dnssd", false, "advertise service using DNSSD")
	dsInstance  = flag.String("dsInstance", "", "DNSSD instance name")
	dsDomain    = flag.String("dsDomain", "local", "DNSSD domain")
	dsService   = flag.String("dsService", ds.DefaultService, "DNSSD Service Type")
	dsInterface = flag.String("dsInterface", "", "DNSSD Interface")
	dsTxtStr    = flag.String("dsTxt", "", "DNSSD key-value pair string parameterizing advertisement")

	// v allows debug printing.
	v = func(string, ...interface{}) {}
)

func verbose(f string, a ...interface{}) {
	v("REMCTLD:"+f, a...)
}

func setup() zerolog.Logger {
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
		v = log.Printf
		if *klog {
			ulog.KernelLog.Reinit()
			v = ulog.KernelLog.Printf
		}
		for _, f := range []func(func(string, ...interface{})){
			server.SetVerbose,
			session.SetVerbose,
			protocol.SetVerbose,
			security.SetVerbose,
			config.SetVerbose,
			ds.SetVerbose,
		} {
			f(verbose)
		}
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("pid", fmt.Sprint(os.Getpid())).Logger()
}

func main() {
	flag.Parse()
	l := setup()
	cfg, err := config.Load(*configFile)
	if err != nil {
		l.Fatal().Err(err).Msg("cannot read configuration")
	}
	st, err := settingsFor(cfg)
	if err != nil {
		l.Fatal().Err(err).Msg("bad settings")
	}
	verbose("settings %+v", st)
	if !*standalone {
		if err := serveInetd(cfg, st, &l); err != nil {
			l.Fatal().Err(err).Msg("inetd connection")
		}
		return
	}
	if err := serve(cfg, st, &l); err != nil {
		l.Fatal().Err(err).Msg("serve")
	}
}
