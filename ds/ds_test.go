// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestParse(t *testing.T) {
	var tests = []struct {
		uri  string
		want Query
		err  bool
	}{
		{
			uri: Default,
			want: Query{Type: DefaultService, Domain: DefaultDomain, Text: map[string][]string{
				"arch": {runtime.GOARCH}, "os": {runtime.GOOS},
			}},
		},
		{
			uri: "dnssd://example.org/_remctl._tcp?arch=arm64&arch=riscv64&os=plan9",
			want: Query{Type: "_remctl._tcp", Domain: "example.org", Text: map[string][]string{
				"arch": {"arm64", "riscv64"}, "os": {"plan9"},
			}},
		},
		{uri: "http://example.org", err: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.uri)
		if (err != nil) != tt.err {
			t.Errorf("Parse(%q): got %v, want error %v", tt.uri, err, tt.err)
			continue
		}
		if !tt.err && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Parse(%q): got %+v, want %+v", tt.uri, got, tt.want)
		}
	}
}

func TestParseKv(t *testing.T) {
	got := ParseKv("a=1,b,c=x=y")
	want := map[string]string{"a": "1", "b": "true", "c": "x=y"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseKv: got %v, want %v", got, want)
	}
	if got := ParseKv(""); len(got) != 0 {
		t.Fatalf("ParseKv(\"\"): got %v, want empty", got)
	}
}

func TestRequired(t *testing.T) {
	src := map[string]string{"arch": "amd64", "os": "linux"}
	if !required(src, map[string][]string{"arch": {"arm64", "amd64"}}) {
		t.Errorf("required(any of arm64, amd64): got false, want true")
	}
	if required(src, map[string][]string{"os": {"plan9"}}) {
		t.Errorf("required(os=plan9): got true, want false")
	}
}

func TestIsURI(t *testing.T) {
	if !IsURI("dnssd:?arch=amd64") || IsURI("example.org") {
		t.Fatalf("IsURI: wrong answer")
	}
}

func TestLookupNothing(t *testing.T) {
	v = t.Logf
	q := Query{Type: "_nobody._tcp", Domain: "local"}
	if _, _, err := Lookup(context.Background(), q); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(_nobody._tcp): got %v, want ErrNotFound", err)
	}
}

func TestAdvertiser(t *testing.T) {
	v = t.Logf
	nb := newBackOff
	newBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	defer func() { newBackOff = nb }()
	a, err := Register(context.Background(), Config{Instance: "testInstance", Port: 4373})
	if err != nil {
		t.Skipf("no multicast responder here: %v", err)
	}
	defer a.Close()
	select {
	case <-a.Done():
		t.Skipf("responder stopped: %v", a.Err())
	case <-time.After(3 * time.Second):
	}
	a.Conn(1)
	a.Conn(1)
	a.Conn(-1)
	if got := a.Connections(); got != 1 {
		t.Errorf("Connections: got %d, want 1", got)
	}
	if txt := a.text(); txt["arch"] != runtime.GOARCH || txt["cores"] == "" {
		t.Errorf("TXT record: got %v, want arch and cores set", txt)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v != nil", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done: still open after Close")
	}
	if err := a.Err(); err != nil {
		t.Errorf("Err after Close: got %v, want nil", err)
	}
}

// TestAdvertiserClose checks Close returns whether or not the
// responder is still running.
func TestAdvertiserClose(t *testing.T) {
	v = t.Logf
	nb := newBackOff
	newBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	defer func() { newBackOff = nb }()
	// The service is bound to an interface that does not exist.
	a, err := Register(context.Background(), Config{Instance: "testInstance", Port: 4373, Interface: "remctl-none0"})
	if err != nil {
		t.Skipf("no multicast responder here: %v", err)
	}
	closed := make(chan error, 1)
	go func() {
		select {
		case <-a.Done():
		case <-time.After(10 * time.Second):
		}
		closed <- a.Close()
	}()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v != nil", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Close did not return")
	}
}
