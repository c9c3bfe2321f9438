// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"fmt"
	"time"

	"github.com/xmycroftx/remctl/protocol"
	"github.com/xmycroftx/remctl/security"
	"golang.org/x/crypto/ssh"
)

// Set is the type of function used to set options in SetOptions.
type Set func(*Client) error

// SetOptions sets options in the Client.
func (c *Client) SetOptions(opts ...Set) error {
	for _, o := range opts {
		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

// WithPort sets the port.
func WithPort(port string) Set {
	return func(c *Client) error {
		c.Port = port
		return nil
	}
}

// WithNetwork sets the network.
func WithNetwork(network string) Set {
	return func(c *Client) error {
		switch network {
		case "", "tcp", "tcp4", "tcp6", "unix", "unixpacket", "vsock":
		default:
			return fmt.Errorf("network %q: not supported", network)
		}
		if network != "" {
			c.Network = network
		}
		return nil
	}
}

// WithPrincipal sets the principal the server must authenticate as.
func WithPrincipal(p string) Set {
	return func(c *Client) error {
		c.Principal = p
		return nil
	}
}

// WithPrivateKeyFile sets the private key file.
func WithPrivateKeyFile(key string) Set {
	return func(c *Client) error {
		c.PrivateKeyFile = key
		return nil
	}
}

// WithHostKeyFile sets a file holding the one acceptable host key.
func WithHostKeyFile(key string) Set {
	return func(c *Client) error {
		c.HostKeyFile = key
		return nil
	}
}

// WithKnownHosts sets the known_hosts file.
func WithKnownHosts(file string) Set {
	return func(c *Client) error {
		c.KnownHostsFile = file
		return nil
	}
}

// WithInsecureHostKey disables host key checks.
func WithInsecureHostKey(b bool) Set {
	return func(c *Client) error {
		c.InsecureHostKey = b
		return nil
	}
}

// WithTimeout sets the timeout for connecting and authenticating.
// An empty string leaves it unchanged.
func WithTimeout(timeout string) Set {
	return func(c *Client) error {
		if timeout == "" {
			return nil
		}
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return err
		}
		c.Timeout = d
		return nil
	}
}

// WithProtocol sets the preferred protocol generation.
func WithProtocol(g protocol.Generation) Set {
	return func(c *Client) error {
		if g != protocol.V1 && g != protocol.V2 {
			return fmt.Errorf("%w: %v", protocol.ErrGeneration, g)
		}
		c.Protocol = g
		return nil
	}
}

// WithOptions sets the protocol limits.
func WithOptions(o protocol.Options) Set {
	return func(c *Client) error {
		c.Options = o
		return nil
	}
}

// WithCredential sets the credential, instead of reading a key file.
func WithCredential(cred *security.Credential) Set {
	return func(c *Client) error {
		c.cred = cred
		return nil
	}
}

// WithHostKeyCallback sets the host key check directly.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Set {
	return func(c *Client) error {
		c.hostCB = cb
		return nil
	}
}
