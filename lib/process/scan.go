// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Entry is one process seen in the process table.
type Entry struct {
	PID     int
	Cmdline []string

	// Room is the RoomEnv value, or the --room argument of a worker
	// started by hand. HasRoom is false when neither is present.
	Room    string
	HasRoom bool

	// EnvironUnreadable is set when the environment could not be read,
	// typically because the process belongs to another user. Such a
	// process is never reported as an orphan.
	EnvironUnreadable bool
}

// Table reads the process table.
type Table struct {
	// ProcRoot defaults to /proc.
	ProcRoot string
}

// Workers returns every process whose command line mentions binary,
// skipping the calling process. Processes that exit mid-scan are dropped
// or reported with EnvironUnreadable set.
func (t Table) Workers(binary string) ([]Entry, error) {
	root := t.ProcRoot
	if root == "" {
		root = "/proc"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()

	var workers []Entry
	for _, dirEntry := range entries {
		pid, err := strconv.Atoi(dirEntry.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, _ := readNulList(filepath.Join(root, dirEntry.Name(), "cmdline"))
		if !mentions(cmdline, binary) {
			continue
		}
		entry := Entry{PID: pid, Cmdline: cmdline}
		environ, err := readNulList(filepath.Join(root, dirEntry.Name(), "environ"))
		if err != nil {
			entry.EnvironUnreadable = true
		}
		for _, variable := range environ {
			if value, ok := strings.CutPrefix(variable, RoomEnv+"="); ok {
				entry.Room, entry.HasRoom = value, true
				break
			}
		}
		if !entry.HasRoom {
			entry.Room, entry.HasRoom = roomArgument(cmdline)
		}
		workers = append(workers, entry)
	}
	return workers, nil
}

// Orphans filters workers that carry no room tag in either their
// environment or their arguments. Workers whose environment could not be
// read are left alone.
func Orphans(workers []Entry) []Entry {
	var orphans []Entry
	for _, worker := range workers {
		if !worker.HasRoom && !worker.EnvironUnreadable {
			orphans = append(orphans, worker)
		}
	}
	return orphans
}

// ForRoom filters workers tagged with room.
func ForRoom(workers []Entry, room string) []Entry {
	var matched []Entry
	for _, worker := range workers {
		if worker.HasRoom && worker.Room == room {
			matched = append(matched, worker)
		}
	}
	return matched
}

// mentions matches on the base name of any argument, so both
// "/usr/bin/switchboard-worker" and "python worker.py"-style launches
// through an interpreter are found.
func mentions(cmdline []string, binary string) bool {
	for _, arg := range cmdline {
		if arg == binary || filepath.Base(arg) == binary {
			return true
		}
	}
	return false
}

// roomArgument finds "--room X" or "--room=X" in a worker command line.
func roomArgument(cmdline []string) (string, bool) {
	for i, arg := range cmdline {
		if value, ok := strings.CutPrefix(arg, "--room="); ok && value != "" {
			return value, true
		}
		if arg == "--room" && i+1 < len(cmdline) && cmdline[i+1] != "" {
			return cmdline[i+1], true
		}
	}
	return "", false
}

func readNulList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	data = bytes.TrimRight(data, "\x00")
	return strings.Split(string(data), "\x00"), nil
}
