// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package session

import (
	"context"
	"fmt"
	"os/exec"
)

// command returns a Cmd killed when ctx is done. There are no process
// groups here, so only the direct child is killed.
func command(ctx context.Context, n string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, n, args...)
}

func runAs(_ *exec.Cmd, name string) error {
	if name == "" {
		return nil
	}
	return fmt.Errorf("running as %q: not supported", name)
}
