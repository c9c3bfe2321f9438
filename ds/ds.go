// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/exp/slices"
)

const (
	// Default is the URI that selects any remctld of our arch and os.
	Default = "dnssd:"
	// DefaultService is the DNS-SD service type remctld registers.
	DefaultService = "_remctl._tcp"
	// DefaultDomain is the DNS-SD domain.
	DefaultDomain = "local"

	lookupTimeout  = 1 * time.Second
	updateInterval = 60 * time.Second
	timeFormat     = "15:04:05.000"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for the package.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// ErrNotFound is returned by Lookup when no service matched.
var ErrNotFound = errors.New("dnssd found no suitable service")

// Query is a parsed dnssd: URI.
type Query struct {
	Type   string
	Domain string
	Text   map[string][]string
}

// IsURI reports whether host names a DNS-SD query rather than a host.
func IsURI(host string) bool {
	return strings.HasPrefix(host, Default)
}

// required reports whether a TXT record has every required attribute.
func required(src map[string]string, req map[string][]string) bool {
	for k := range req {
		if !slices.Contains(req[k], src[k]) {
			return false
		}
	}
	return true
}

// Parse parses a DNS-SD URI of the form
// dnssd://domain/_service._network?key=value. Domain defaults to local,
// the service to _remctl._tcp, and arch and os to those of this system.
func Parse(uri string) (Query, error) {
	q := Query{
		Type:   DefaultService,
		Domain: DefaultDomain,
	}

	u, err := url.Parse(uri)
	if err != nil {
		return q, fmt.Errorf("parsing %s: %w", uri, err)
	}
	if u.Scheme != "dnssd" {
		return q, fmt.Errorf("%q is not a dns-sd URI", uri)
	}

	// Following the dns-sd URI conventions of CUPS.
	if u.Host != "" {
		q.Domain = u.Host
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		q.Type = p
	}
	q.Text = u.Query()
	if len(q.Text["arch"]) == 0 {
		q.Text["arch"] = []string{runtime.GOARCH}
	}
	if len(q.Text["os"]) == 0 {
		q.Text["os"] = []string{runtime.GOOS}
	}
	return q, nil
}

// Lookup browses for the first service matching q and returns its
// address and port.
func Lookup(ctx context.Context, q Query) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	service := fmt.Sprintf("%s.%s.", strings.Trim(q.Type, "."), strings.Trim(q.Domain, "."))
	v("ds: browsing for %s", service)

	found := make(chan dnssd.BrowseEntry, 1)
	add := func(e dnssd.BrowseEntry) {
		v("%s\tAdd\t%s\t%s\t%s\t%s (%s)", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name, e.IPs)
		if len(e.IPs) == 0 || !required(e.Text, q.Text) {
			return
		}
		select {
		case found <- e:
		default:
		}
	}
	rmv := func(e dnssd.BrowseEntry) {
		v("%s\tRmv\t%s\t%s\t%s\t%s", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name)
	}

	done := make(chan error, 1)
	go func() {
		done <- dnssd.LookupType(ctx, service, add, rmv)
	}()

	select {
	case e := <-found:
		if len(e.IPs) > 1 {
			v("ds: %s has %d addresses, using %v", e.Name, len(e.IPs), e.IPs[0])
		}
		return e.IPs[0].String(), strconv.Itoa(e.Port), nil
	case err := <-done:
		// LookupType returns when ctx expires; a match may have raced it.
		select {
		case e := <-found:
			return e.IPs[0].String(), strconv.Itoa(e.Port), nil
		default:
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return "", "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return "", "", ErrNotFound
	}
}

// ParseKv parses a comma separated key=value list. A key with no
// value is set to "true".
func ParseKv(arg string) map[string]string {
	txt := make(map[string]string)
	if len(arg) == 0 {
		return txt
	}
	for _, pair := range strings.Split(arg, ",") {
		z := strings.SplitN(pair, "=", 2)
		if len(z) > 1 {
			txt[z[0]] = z[1]
		} else {
			txt[z[0]] = "true"
		}
	}
	return txt
}

// DefaultInstance is the instance name used when none is given.
func DefaultInstance() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "remctld"
	}
	return hostname + "-remctld"
}

// DefaultTxt fills in arch, os, and cores if they are not set.
func DefaultTxt(txt map[string]string) {
	if len(txt["arch"]) == 0 {
		txt["arch"] = runtime.GOARCH
	}
	if len(txt["os"]) == 0 {
		txt["os"] = runtime.GOOS
	}
	if len(txt["cores"]) == 0 {
		txt["cores"] = strconv.Itoa(runtime.NumCPU())
	}
}

// Config describes a service to advertise.
type Config struct {
	Instance  string
	Domain    string
	Service   string
	Interface string
	Port      int
	Text      map[string]string
}

// Advertiser keeps a service registered and its TXT record current.
type Advertiser struct {
	mu     sync.Mutex
	txt    map[string]string
	conns  int
	resp   dnssd.Responder
	handle dnssd.ServiceHandle
	update chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// done is closed when the responder has stopped for good; err
	// then holds why.
	done chan struct{}
	err  error
}

// newBackOff paces responder restarts.
var newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }

// Register starts advertising cfg. A responder that fails to probe or
// announce the service is replaced with a fresh one, with exponential
// backoff, until ctx is done.
func Register(ctx context.Context, cfg Config) (*Advertiser, error) {
	if cfg.Instance == "" {
		cfg.Instance = DefaultInstance()
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	txt := make(map[string]string, len(cfg.Text))
	for k, val := range cfg.Text {
		txt[k] = val
	}
	DefaultTxt(txt)
	a := &Advertiser{txt: txt, update: make(chan struct{}, 1), done: make(chan struct{})}
	a.refresh()

	v("ds: advertising %s.%s.%s.", strings.Trim(cfg.Instance, "."), strings.Trim(cfg.Service, "."), strings.Trim(cfg.Domain, "."))
	resp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("dnssd responder: %w", err)
	}
	var ifaces []string
	if cfg.Interface != "" {
		ifaces = append(ifaces, cfg.Interface)
	}
	srv, err := dnssd.NewService(dnssd.Config{
		Name:   cfg.Instance,
		Type:   cfg.Service,
		Domain: cfg.Domain,
		Port:   cfg.Port,
		Ifaces: ifaces,
		Text:   a.text(),
	})
	if err != nil {
		return nil, fmt.Errorf("dnssd service: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		defer close(a.done)
		a.err = backoff.Retry(func() error {
			if resp == nil {
				r, err := dnssd.NewResponder()
				if err != nil {
					return err
				}
				resp = r
			}
			// The service is added before Respond so the responder
			// probes and announces it itself.
			h, err := resp.Add(srv)
			if err != nil {
				return err
			}
			a.mu.Lock()
			a.resp, a.handle = resp, h
			a.mu.Unlock()
			v("%s	service %s added", time.Now().Format(timeFormat), srv.ServiceInstanceName())
			err = resp.Respond(ctx)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			v("ds: responder: %v", err)
			// A responder that failed to register keeps its lock; it
			// cannot be used again.
			resp = nil
			a.mu.Lock()
			a.resp, a.handle = nil, nil
			a.mu.Unlock()
			return err
		}, backoff.WithContext(newBackOff(), ctx))
		if errors.Is(a.err, context.Canceled) {
			a.err = nil
		}
	}()
	go func() {
		defer a.wg.Done()
		a.publish(ctx)
	}()
	return a, nil
}

// publish refreshes the TXT record on every change, and periodically.
func (a *Advertiser) publish(ctx context.Context) {
	t := time.NewTicker(updateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-t.C:
		case <-a.update:
		}
		a.refresh()
		a.mu.Lock()
		h, resp := a.handle, a.resp
		a.mu.Unlock()
		if h != nil {
			h.UpdateText(a.text(), resp)
		}
	}
}

func (a *Advertiser) refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	updateSysInfo(a.txt)
	a.txt["connections"] = strconv.Itoa(a.conns)
}

func (a *Advertiser) text() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := make(map[string]string, len(a.txt))
	for k, val := range a.txt {
		t[k] = val
	}
	return t
}

// Conn adjusts the advertised connection count by delta.
func (a *Advertiser) Conn(delta int) {
	a.mu.Lock()
	a.conns += delta
	a.mu.Unlock()
	v("ds: connections %+d", delta)
	select {
	case a.update <- struct{}{}:
	default:
	}
}

// Connections returns the current connection count.
func (a *Advertiser) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns
}

// Done is closed once the responder has stopped for good.
func (a *Advertiser) Done() <-chan struct{} { return a.done }

// Err returns why the responder stopped. It is nil while it runs and
// after Close.
func (a *Advertiser) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Close stops advertising. Cancelling the responder unannounces the
// service.
func (a *Advertiser) Close() error {
	v("ds: stopping dns-sd server")
	a.cancel()
	a.wg.Wait()
	return nil
}
