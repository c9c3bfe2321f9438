// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix && !linux

package session

import "syscall"

func setDeathSignal(*syscall.SysProcAttr) {}
