// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client is a remctl client.
//
// A Client connects to one server, runs commands on it one at a time,
// and hands back their output as a sequence of Output values: chunks of
// stdout or stderr, then a status or an error. Against a generation 2
// server one connection carries every command; against a generation 1
// server each command gets its own connection, transparently.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/xmycroftx/remctl/ds"
	"github.com/xmycroftx/remctl/message"
	"github.com/xmycroftx/remctl/protocol"
	"github.com/xmycroftx/remctl/security"
	"golang.org/x/crypto/ssh"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

var (
	// ErrNotConnected is returned by calls that need a connection.
	ErrNotConnected = errors.New("client: not connected")
	// ErrCommandInProgress is returned by Send while a command's output
	// has not been read to its end.
	ErrCommandInProgress = errors.New("client: command in progress")
	// ErrConnected is returned by Dial on a connected Client.
	ErrConnected = errors.New("client: already connected")
	// ErrNoCommand is returned by Send with no arguments.
	ErrNoCommand = errors.New("client: empty command")
	// ErrNoopUnsupported is returned by Noop when the server does not
	// speak protocol version 3.
	ErrNoopUnsupported = errors.New("client: server does not support noop")
)

// State is where a Client is in its request cycle.
type State int

// Client states.
const (
	Disconnected State = iota
	Connecting
	Authenticating
	Idle
	CommandSent
	ReceivingOutput
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Idle:
		return "idle"
	case CommandSent:
		return "command sent"
	case ReceivingOutput:
		return "receiving output"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// OutputType says what an Output holds.
type OutputType int

// Output types.
const (
	Chunk OutputType = iota + 1
	Status
	Error
	Done
)

func (t OutputType) String() string {
	switch t {
	case Chunk:
		return "chunk"
	case Status:
		return "status"
	case Error:
		return "error"
	case Done:
		return "done"
	}
	return fmt.Sprintf("OutputType(%d)", int(t))
}

// Output is one event in the reply to a command.
type Output struct {
	Type   OutputType
	Stream message.Stream
	Data   []byte
	Status int
	// Err is a *message.Error when Type is Error.
	Err error
}

// Client is a remctl client.
// As in the cpu client, the settings are exposed and can be set
// directly or with SetOptions before Dial.
type Client struct {
	Host string
	// HostName as found in .ssh/config; set to Host if not found.
	HostName string
	// Port is empty to try DefaultPort, then LegacyPort.
	Port string
	// Network is tcp, tcp4, tcp6, unix, or vsock.
	Network string
	// Principal is the name the server must authenticate as.
	Principal       string
	PrivateKeyFile  string
	HostKeyFile     string
	KnownHostsFile  string
	InsecureHostKey bool
	Timeout         time.Duration
	// Protocol is protocol.V1 to skip generation 2.
	Protocol protocol.Generation
	Options  protocol.Options

	cred   *security.Credential
	hostCB ssh.HostKeyCallback
	state  State
	ex     exchange
	addr   string
}

// New returns a Client for host with opts applied.
func New(host string, opts ...Set) (*Client, error) {
	c := &Client{
		Host:     host,
		HostName: GetHostName(host),
		Network:  "tcp",
		Protocol: protocol.V2,
	}
	if err := c.SetOptions(opts...); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current state.
func (c *Client) State() State {
	return c.state
}

// Generation returns the negotiated protocol generation, or 0 when
// not connected.
func (c *Client) Generation() protocol.Generation {
	if c.ex == nil {
		return 0
	}
	return c.ex.generation()
}

// PeerName returns the server's authenticated principal.
func (c *Client) PeerName() string {
	if c.ex == nil {
		return ""
	}
	return c.ex.peer()
}

// Addr returns the address the Client connected to.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) credentials() error {
	if c.cred == nil {
		kf := GetKeyFile(c.Host, c.PrivateKeyFile)
		cred, err := security.LoadCredential(kf, "")
		if err != nil {
			return fmt.Errorf("unable to read private key %q: %w", kf, err)
		}
		c.cred = cred
	}
	if c.hostCB == nil {
		cb, err := hostKeyCallback(c.HostKeyFile, c.KnownHostsFile, c.InsecureHostKey)
		if err != nil {
			return err
		}
		c.hostCB = cb
	}
	return nil
}

// fallbackPorts are tried in order when no port is given.
var fallbackPorts = []string{DefaultPort, LegacyPort}

// ports returns the ports to try, in order.
func (c *Client) ports() ([]string, error) {
	p, ok, err := lookupPort(c.Host, c.Port)
	if err != nil {
		return nil, err
	}
	if ok {
		return []string{p}, nil
	}
	return append([]string{}, fallbackPorts...), nil
}

func (c *Client) dialer(port string) protocol.Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		c.state = Connecting
		switch c.Network {
		case "vsock":
			cid, p, err := vsockIDPort(c.HostName, port)
			if err != nil {
				return nil, err
			}
			return vsock.Dial(cid, p, nil)
		case "unix", "unixpacket":
			// The host is the socket path.
			var d net.Dialer
			return d.DialContext(ctx, c.Network, c.HostName)
		default:
			var d net.Dialer
			return d.DialContext(ctx, c.Network, net.JoinHostPort(c.HostName, port))
		}
	}
}

func (c *Client) mechanism(port string) protocol.MechanismFunc {
	return func(rwc io.ReadWriteCloser) (security.Mechanism, error) {
		c.state = Authenticating
		return security.NewInitiator(security.InitiatorConfig{
			Credential:      c.cred,
			Target:          c.Principal,
			Address:         net.JoinHostPort(c.HostName, port),
			Remote:          remoteAddr(rwc),
			HostKeyCallback: c.hostCB,
		})
	}
}

// resolve turns a dnssd: host into an address and port.
func (c *Client) resolve(ctx context.Context) error {
	if !ds.IsURI(c.Host) {
		return nil
	}
	q, err := ds.Parse(c.Host)
	if err != nil {
		return err
	}
	h, p, err := ds.Lookup(ctx, q)
	if err != nil {
		return err
	}
	v("client: %s is %s port %s", c.Host, h, p)
	c.HostName, c.Port = h, p
	return nil
}

// Dial connects and authenticates. With no port given it tries
// DefaultPort and, only if that connection cannot be made, LegacyPort.
func (c *Client) Dial(ctx context.Context) error {
	if c.state != Disconnected {
		return ErrConnected
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if err := c.resolve(ctx); err != nil {
		return err
	}
	if err := c.credentials(); err != nil {
		return err
	}
	ports, err := c.ports()
	if err != nil {
		return err
	}
	for i, port := range ports {
		conn, err := protocol.Negotiate(ctx, c.dialer(port), c.mechanism(port), c.Protocol, c.Options)
		if err != nil {
			c.state = Disconnected
			if errors.Is(err, protocol.ErrDial) && i < len(ports)-1 {
				v("client: port %s: %v", port, err)
				continue
			}
			return err
		}
		c.addr = net.JoinHostPort(c.HostName, port)
		v("client: connected to %s as %v, server %q", c.addr, conn.Generation(), conn.PeerName())
		if conn.Generation() == protocol.V1 {
			c.ex = &v1Exchange{c: conn, reopen: c.reopener(port)}
		} else {
			c.ex = &v2Exchange{c: conn}
		}
		c.state = Idle
		return nil
	}
	return fmt.Errorf("client: no ports to try")
}

// reopener returns a function that opens a fresh generation 1
// connection for the next command.
func (c *Client) reopener(port string) func() (*protocol.Conn, error) {
	return func() (*protocol.Conn, error) {
		ctx := context.Background()
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		rwc, err := c.dialer(port)(ctx)
		if err != nil {
			return nil, err
		}
		// The handshake is bounded by the same timeout as the dial.
		stop := context.AfterFunc(ctx, func() { rwc.Close() })
		m, err := c.mechanism(port)(rwc)
		var conn *protocol.Conn
		if err == nil {
			conn, err = protocol.Open(rwc, protocol.V1, m, c.Options)
		}
		if !stop() && err == nil {
			err = ctx.Err()
		}
		if err != nil {
			rwc.Close()
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		return conn, nil
	}
}

// Send sends a command. Its output must be read with Output until a
// Status or Error before the next Send.
func (c *Client) Send(args ...[]byte) error {
	switch c.state {
	case Idle:
	case CommandSent, ReceivingOutput:
		return ErrCommandInProgress
	default:
		return ErrNotConnected
	}
	if len(args) == 0 {
		return ErrNoCommand
	}
	if err := c.ex.send(args); err != nil {
		c.fail()
		return err
	}
	c.state = CommandSent
	return nil
}

// Command is Send for string arguments.
func (c *Client) Command(args ...string) error {
	b := make([][]byte, len(args))
	for i, a := range args {
		b[i] = []byte(a)
	}
	return c.Send(b...)
}

// Output returns the next piece of the current command's reply. After
// the Status or Error that ends it, Output returns Done until the next
// Send. A protocol or transport error closes the connection.
func (c *Client) Output() (Output, error) {
	switch c.state {
	case CommandSent, ReceivingOutput:
	case Idle:
		return Output{Type: Done}, nil
	default:
		return Output{}, ErrNotConnected
	}
	o, err := c.ex.next()
	if err != nil {
		c.fail()
		return Output{}, err
	}
	switch o.Type {
	case Chunk:
		c.state = ReceivingOutput
	case Status, Error:
		c.state = Idle
	}
	return o, nil
}

// Noop sends a keep-alive and waits for the server to echo it.
func (c *Client) Noop() error {
	switch c.state {
	case Idle:
	case CommandSent, ReceivingOutput:
		return ErrCommandInProgress
	default:
		return ErrNotConnected
	}
	err := c.ex.noop()
	if err != nil && !errors.Is(err, ErrNoopUnsupported) && !isRemote(err) {
		c.fail()
	}
	return err
}

func isRemote(err error) bool {
	var me *message.Error
	return errors.As(err, &me)
}

func (c *Client) fail() {
	if c.ex != nil {
		c.ex.close()
	}
	c.ex = nil
	c.state = Disconnected
}

// Close ends the session, telling a generation 2 server to quit.
func (c *Client) Close() error {
	if c.ex == nil {
		c.state = Disconnected
		return nil
	}
	err := c.ex.close()
	c.ex = nil
	c.state = Disconnected
	return err
}
