// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	config "github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// DefaultPort is the registered remctl port.
	DefaultPort = "4373"
	// LegacyPort is the port remctld used before 4373 was registered.
	LegacyPort = "4444"
)

var (
	// DefaultKeyFile is the default key for remctl users.
	DefaultKeyFile = filepath.Join(os.Getenv("HOME"), ".ssh/remctl_ed25519")
	// DefaultKnownHosts is where host keys are checked when no host key
	// file is given.
	DefaultKnownHosts = filepath.Join(os.Getenv("HOME"), ".ssh/known_hosts")
)

func expandHome(p string) string {
	// The config package doesn't handle ~.
	if strings.HasPrefix(p, "~") {
		return filepath.Join(os.Getenv("HOME"), p[1:])
	}
	return p
}

// GetKeyFile picks a keyfile if none has been set.
// It will use ssh config, else use a default.
func GetKeyFile(host, kf string) string {
	v("getKeyFile for %q", kf)
	if len(kf) == 0 {
		kf = config.Get(host, "IdentityFile")
		v("key file from config is %q", kf)
		if len(kf) == 0 {
			kf = DefaultKeyFile
		}
	}
	kf = expandHome(kf)
	v("getKeyFile returns %q", kf)
	return kf
}

// GetHostName reads the host name from the ssh config file,
// if needed. If it is not found, the host name is returned.
func GetHostName(host string) string {
	h := config.Get(host, "HostName")
	if len(h) != 0 {
		host = h
	}
	return host
}

// lookupPort returns the port given, else the one in ssh config.
// config.Get returns "22" when there is no entry, and 22 is never a
// remctl port, so 22 counts as unspecified.
func lookupPort(host, port string) (string, bool, error) {
	p := port
	if len(p) == 0 {
		if cp := config.Get(host, "Port"); len(cp) != 0 {
			v("config.Get(%q, Port): %q", host, cp)
			p = cp
		}
	}
	if len(p) == 0 || p == "22" {
		return "", false, nil
	}
	if _, err := strconv.ParseUint(p, 10, 16); err != nil {
		return "", false, fmt.Errorf("port %q: %w", p, err)
	}
	return p, true, nil
}

// GetPort gets a port. It verifies that the port fits in 16-bit space.
// With no port given or configured it returns DefaultPort.
func GetPort(host, port string) (string, error) {
	v("getPort(%q, %q)", host, port)
	p, ok, err := lookupPort(host, port)
	if err != nil {
		return "", err
	}
	if !ok {
		p = DefaultPort
		v("getPort: return default %q", p)
	}
	return p, nil
}

// vsockIDPort gets a context id and a port from host and port.
// The id and port are uint32.
func vsockIDPort(host, port string) (uint32, uint32, error) {
	h, err := strconv.ParseUint(host, 0, 32)
	if err != nil {
		return 0, 0, err
	}
	p, err := strconv.ParseUint(port, 0, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(h), uint32(p), nil
}

// hostKeyCallback builds the host key check: a fixed key from a file,
// a known_hosts file, or nothing at all when insecure.
func hostKeyCallback(hostKeyFile, knownHostsFile string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if hostKeyFile != "" {
		hk, err := os.ReadFile(expandHome(hostKeyFile))
		if err != nil {
			return nil, fmt.Errorf("unable to read host key %v: %w", hostKeyFile, err)
		}
		pk, _, _, _, err := ssh.ParseAuthorizedKey(hk)
		if err != nil {
			return nil, fmt.Errorf("host key %v: %w", hostKeyFile, err)
		}
		return ssh.FixedHostKey(pk), nil
	}
	if knownHostsFile == "" {
		knownHostsFile = DefaultKnownHosts
	}
	cb, err := knownhosts.New(expandHome(knownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	return cb, nil
}

// remoteAddr returns the address of the far end of rwc, if it has one.
func remoteAddr(rwc interface{}) net.Addr {
	if c, ok := rwc.(interface{ RemoteAddr() net.Addr }); ok {
		return c.RemoteAddr()
	}
	return nil
}
