// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"context"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/xmycroftx/remctl/message"
)

// Result is the collected reply to one command.
type Result struct {
	Stdout []byte
	Stderr []byte
	Status int
}

// Run connects to host, runs one command, and collects its output.
// A server-reported error is returned as a *message.Error along with
// whatever output came before it.
func Run(ctx context.Context, host string, args []string, opts ...Set) (*Result, error) {
	c, err := New(host, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Dial(ctx); err != nil {
		return nil, err
	}
	var out, errb bytes.Buffer
	res, err := c.Stream(args, &out, &errb)
	if cerr := c.Close(); cerr != nil && err == nil {
		v("client: close: %v", cerr)
	}
	if res != nil {
		res.Stdout, res.Stderr = out.Bytes(), errb.Bytes()
	}
	return res, err
}

// Stream runs one command on a connected Client, copying its output
// to stdout and stderr as it arrives.
func (c *Client) Stream(args []string, stdout, stderr io.Writer) (*Result, error) {
	if err := c.Command(args...); err != nil {
		return nil, err
	}
	res := &Result{}
	var errs error
	for {
		o, err := c.Output()
		if err != nil {
			if errs == nil {
				return res, err
			}
			return res, multierror.Append(errs, err)
		}
		switch o.Type {
		case Chunk:
			w := stdout
			if o.Stream == message.Stderr {
				w = stderr
			}
			if _, err := w.Write(o.Data); err != nil {
				errs = multierror.Append(errs, err)
			}
		case Status:
			res.Status = o.Status
			return res, errs
		case Error:
			if errs == nil {
				return res, o.Err
			}
			return res, multierror.Append(errs, o.Err)
		case Done:
			return res, errs
		}
	}
}
