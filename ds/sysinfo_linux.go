// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"fmt"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

func updateSysInfo(txt map[string]string) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		v("ds: sysinfo: %v", err)
		return
	}
	txt["mem_avail"] = strconv.FormatUint(uint64(si.Freeram), 10)
	txt["mem_total"] = strconv.FormatUint(uint64(si.Totalram), 10)
	txt["mem_unit"] = strconv.FormatUint(uint64(si.Unit), 10)
	txt["load1"] = strconv.FormatUint(uint64(si.Loads[0]), 10)
	txt["load5"] = strconv.FormatUint(uint64(si.Loads[1]), 10)
	txt["load15"] = strconv.FormatUint(uint64(si.Loads[2]), 10)
	txt["load_ratio"] = fmt.Sprintf("%.6f", float64(si.Loads[1])/float64(runtime.NumCPU()))
}
