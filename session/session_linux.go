// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setDeathSignal has the kernel kill the child if remctld dies.
func setDeathSignal(a *syscall.SysProcAttr) {
	a.Pdeathsig = unix.SIGKILL
}
