// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/xmycroftx/remctl/security"
	"golang.org/x/crypto/ssh"
)

// vsockIDPort gets a client id and a port from host and port
// The id and port are uint32.
func TestVsockIDPort(t *testing.T) {
	for _, tt := range []struct {
		name string
		host string
		port string
		h    uint32
		p    uint32
		err  error
	}{
		{name: "badhostportn", host: "", port: "", h: 0, p: 0, err: strconv.ErrSyntax},
		{name: "noport", host: "1", port: "", h: 0, p: 0, err: strconv.ErrSyntax},
		{name: "nohost", host: "", port: "1", h: 0, p: 0, err: strconv.ErrSyntax},
		{name: "ok", host: "1", port: "2", h: 1, p: 2, err: nil},
		{name: "badhostnum", host: "z", port: "2", h: 0, p: 0, err: strconv.ErrSyntax},
		{name: "ok", host: "0x42", port: "4373", h: 0x42, p: 4373, err: nil},
	} {
		h, p, err := vsockIDPort(tt.host, tt.port)
		if !errors.Is(err, tt.err) || h != tt.h || p != tt.p {
			t.Errorf("%s:vsockIDPort(%s, %s): (%v, %v, %v) != (%v, %v, %v)", tt.name, tt.host, tt.port, h, p, err, tt.h, tt.p, tt.err)
		}
	}
}

func TestLookupPort(t *testing.T) {
	for _, tt := range []struct {
		port     string
		want     string
		explicit bool
		err      error
	}{
		{port: "", want: "", explicit: false},
		{port: "22", want: "", explicit: false},
		{port: "4444", want: "4444", explicit: true},
		{port: "70000", err: strconv.ErrRange},
		{port: "x", err: strconv.ErrSyntax},
	} {
		got, explicit, err := lookupPort("remctl-test-nonexistent-host", tt.port)
		if !errors.Is(err, tt.err) || got != tt.want || explicit != tt.explicit {
			t.Errorf("lookupPort(%q): got (%q, %v, %v), want (%q, %v, %v)", tt.port, got, explicit, err, tt.want, tt.explicit, tt.err)
		}
	}
	if p, err := GetPort("remctl-test-nonexistent-host", ""); err != nil || p != DefaultPort {
		t.Errorf("GetPort(no port): got (%q, %v), want (%q, nil)", p, err, DefaultPort)
	}
}

func TestGetKeyFile(t *testing.T) {
	if got := GetKeyFile("remctl-test-nonexistent-host", "/k"); got != "/k" {
		t.Errorf("GetKeyFile(explicit): got %q, want /k", got)
	}
	want := filepath.Join(os.Getenv("HOME"), "k")
	if got := GetKeyFile("remctl-test-nonexistent-host", "~/k"); got != want {
		t.Errorf("GetKeyFile(~/k): got %q, want %q", got, want)
	}
}

func TestHostKeyCallback(t *testing.T) {
	host, err := security.GenerateCredential("")
	if err != nil {
		t.Fatal(err)
	}
	other, err := security.GenerateCredential("")
	if err != nil {
		t.Fatal(err)
	}
	d := t.TempDir()
	hk := filepath.Join(d, "host.pub")
	if err := os.WriteFile(hk, ssh.MarshalAuthorizedKey(host.Signer.PublicKey()), 0o644); err != nil {
		t.Fatal(err)
	}
	cb, err := hostKeyCallback(hk, "", false)
	if err != nil {
		t.Fatalf("hostKeyCallback(%q): %v != nil", hk, err)
	}
	if err := cb("h:4373", nil, host.Signer.PublicKey()); err != nil {
		t.Errorf("callback(right key): got %v, want nil", err)
	}
	if err := cb("h:4373", nil, other.Signer.PublicKey()); err == nil {
		t.Errorf("callback(wrong key): got nil, want error")
	}
	if _, err := hostKeyCallback(filepath.Join(d, "missing"), "", false); err == nil {
		t.Errorf("hostKeyCallback(missing file): got nil, want error")
	}
	if _, err := hostKeyCallback("", filepath.Join(d, "missing"), false); err == nil {
		t.Errorf("hostKeyCallback(missing known_hosts): got nil, want error")
	}
	cb, err = hostKeyCallback("", "", true)
	if err != nil || cb("h:4373", nil, other.Signer.PublicKey()) != nil {
		t.Errorf("insecure callback: got %v, want a callback accepting any key", err)
	}
}
