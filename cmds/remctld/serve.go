// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"
	"github.com/xmycroftx/remctl/config"
	"github.com/xmycroftx/remctl/ds"
	"github.com/xmycroftx/remctl/security"
	"github.com/xmycroftx/remctl/server"
	"github.com/xmycroftx/remctl/session"
)

const any = math.MaxUint32

// settings are the flags merged over the [server] table.
type settings struct {
	Network        string
	Port           string
	HostKey        string
	Principal      string
	AuthorizedKeys string
	PidFile        string
	Timeout        time.Duration
	DNSSD          map[string]string
}

func pick(flag, file, def string) string {
	if flag != "" {
		return flag
	}
	if file != "" {
		return file
	}
	return def
}

func settingsFor(cfg *config.Config) (settings, error) {
	d, err := cfg.Timeout()
	if err != nil {
		return settings{}, err
	}
	st := settings{
		Network:        pick(*network, cfg.Server.Network, "tcp"),
		Port:           pick(*port, cfg.Server.Port, defaultPort),
		HostKey:        pick(*hostKeyFile, cfg.Server.HostKey, defaultHost),
		Principal:      pick(*principal, cfg.Server.Principal, ""),
		AuthorizedKeys: pick(*authorizedKeys, cfg.Server.AuthorizedKeys, defaultAuth),
		PidFile:        pick(*pidFile, cfg.Server.PidFile, ""),
		Timeout:        d,
	}
	if *dsEnabled || cfg.Server.DNSSD != nil {
		st.DNSSD = map[string]string{}
		for k, val := range cfg.Server.DNSSD {
			st.DNSSD[k] = val
		}
		for k, val := range ds.ParseKv(*dsTxtStr) {
			st.DNSSD[k] = val
		}
	}
	return st, nil
}

// newServer loads the keys named in st and returns a server running
// the commands in cfg.
func newServer(cfg *config.Config, st settings, l *zerolog.Logger, hook func(int)) (*server.Server, error) {
	cred, err := security.LoadCredential(st.HostKey, st.Principal)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	keys, err := security.LoadAuthorizedKeys(st.AuthorizedKeys)
	if err != nil {
		return nil, fmt.Errorf("authorized keys: %w", err)
	}
	verbose("%d authorized keys, host principal %q", keys.Len(), cred.Principal)
	return server.New(server.Config{
		Credential:     cred,
		AuthorizedKeys: keys,
		Authorizer:     cfg,
		Executor:       session.New(cfg),
		Timeout:        st.Timeout,
		Log:            l,
		ConnHook:       hook,
	})
}

func listen(network, port string) (net.Listener, error) {
	// Sadly, vsock is not in the standard Go net package.
	var (
		ln  net.Listener
		err error
	)

	switch network {
	case "vsock":
		var p uint64
		p, err = strconv.ParseUint(port, 0, 32)
		if err != nil {
			return nil, err
		}
		ln, err = vsock.ListenContextID(any, uint32(p), nil)

	case "unix", "unixpacket":
		// The port is the socket path.
		ln, err = net.Listen(network, port)

	default:
		ln, err = net.Listen(network, net.JoinHostPort("", port))
	}
	return ln, err
}

// register dials addr and sends "ok", retrying until timeout. It tells
// whoever started us, on networks that are not well behaved, that we
// are listening.
func register(network, addr string, timeout time.Duration) error {
	if len(addr) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		c, err := net.DialTimeout(network, addr, timeout)
		if err != nil {
			verbose("register %s: %v", addr, err)
			return err
		}
		defer c.Close()
		if _, err := c.Write([]byte("ok")); err != nil {
			return backoff.Permanent(fmt.Errorf("writing ok to register address: %w", err))
		}
		return nil
	}, b)
}

func writePid(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// serveInetd serves the one connection on stdin.
func serveInetd(cfg *config.Config, st settings, l *zerolog.Logger) error {
	s, err := newServer(cfg, st, l, nil)
	if err != nil {
		return err
	}
	c, err := net.FileConn(os.Stdin)
	if err != nil {
		return fmt.Errorf("stdin is not a socket: %w", err)
	}
	s.HandleConn(c)
	return nil
}

// drainTimeout is how long a signalled server waits for connections to
// finish before closing them.
var drainTimeout = 10 * time.Second

// shutdownOn shuts s down at the first signal. The returned channel is
// closed when it has.
func shutdownOn(sigs <-chan os.Signal, s *server.Server, l *zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := <-sigs
		l.Info().Str("signal", sig.String()).Dur("drain", drainTimeout).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			l.Warn().Err(err).Msg("shutdown")
		}
	}()
	return done
}

func serve(cfg *config.Config, st settings, l *zerolog.Logger) error {
	var (
		adv  *ds.Advertiser
		hook func(int)
	)
	if st.DNSSD != nil {
		p, err := strconv.Atoi(st.Port)
		if err != nil {
			return fmt.Errorf("could not parse port: %s, %w", st.Port, err)
		}
		verbose("Advertising w/dnssd %q", st.DNSSD)
		adv, err = ds.Register(context.Background(), ds.Config{
			Instance:  *dsInstance,
			Domain:    *dsDomain,
			Service:   *dsService,
			Interface: *dsInterface,
			Port:      p,
			Text:      st.DNSSD,
		})
		if err != nil {
			return fmt.Errorf("could not advertise with dns-sd: %w", err)
		}
		defer adv.Close()
		hook = adv.Conn
	}

	s, err := newServer(cfg, st, l, hook)
	if err != nil {
		return err
	}
	ln, err := listen(st.Network, st.Port)
	if err != nil {
		return err
	}
	if err := writePid(st.PidFile); err != nil {
		return err
	}
	l.Info().Str("addr", ln.Addr().String()).Msg("remctld listening")

	// register can return an error, but it should not block serving.
	go func() {
		if err := register(st.Network, *registerAddr, *registerTO); err != nil {
			verbose("Register(%v, %v, %v): %v", st.Network, *registerAddr, *registerTO, err)
		}
	}()

	// If there is a hup, we stop serving.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM)
	done := shutdownOn(sigs, s, l)

	if err := s.Serve(ln); !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	<-done
	verbose("Serve returns")
	return nil
}
