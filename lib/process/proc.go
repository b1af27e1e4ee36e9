// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// starttime is field 22 of /proc/<pid>/stat; fields after the command
// name start at field 3.
const statStartTimeIndex = 22 - 3

// StartTime returns when pid started, in clock ticks since boot, as
// reported by /proc/<pid>/stat. A pid reused by a new process reports a
// different start time.
func StartTime(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	path := "/proc/" + strconv.Itoa(pid) + "/stat"
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	// The command name is parenthesized and may itself contain spaces
	// or parentheses.
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed %s", path)
	}
	fields := strings.Fields(string(data[end+1:]))
	if len(fields) <= statStartTimeIndex {
		return 0, fmt.Errorf("malformed %s: %d fields", path, len(fields))
	}
	startTime, err := strconv.ParseUint(fields[statStartTimeIndex], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing start time in %s: %w", path, err)
	}
	return startTime, nil
}
