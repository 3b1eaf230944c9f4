// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procstate

// CommandTable interns command (comm) strings once and lets many
// threads reference the same string, mirroring perf's own comm
// interning (tools/perf/util/comm.c).
type CommandTable struct {
	pool     map[string]*string
	byThread map[PidTid]*string
}

// NewCommandTable returns an empty CommandTable.
func NewCommandTable() *CommandTable {
	return &CommandTable{
		pool:     make(map[string]*string),
		byThread: make(map[PidTid]*string),
	}
}

func (c *CommandTable) intern(s string) *string {
	if p, ok := c.pool[s]; ok {
		return p
	}
	p := &s
	c.pool[s] = p
	return p
}

// Set records comm as the command name of (pid,tid), interning it if
// this is the first thread to use that name.
func (c *CommandTable) Set(pid, tid int, comm string) {
	c.byThread[PidTid{pid, tid}] = c.intern(comm)
}

// Lookup returns the command name of (pid,tid), if known.
func (c *CommandTable) Lookup(pid, tid int) (string, bool) {
	p, ok := c.byThread[PidTid{pid, tid}]
	if !ok {
		return "", false
	}
	return *p, true
}

// Fork propagates the parent process's command name to the child's
// main thread. It is a no-op, not an error, if the parent's command
// name is unknown: perf samples can precede the COMM record that
// would have populated it.
func (c *CommandTable) Fork(parentPID, childPID int) {
	p, ok := c.byThread[PidTid{parentPID, parentPID}]
	if !ok {
		return
	}
	c.byThread[PidTid{childPID, childPID}] = p
}
