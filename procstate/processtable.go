// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procstate

import (
	"github.com/permap/permap/addrmap"
)

// ProcessTable maps pid to the AddressMapper that owns that process's
// memory regions. The kernel occupies KernelPID.
//
// ProcessTable owns every AddressMapper it hands out; callers must not
// retain a mapper past the process's EXIT processing if they plan to
// rely on ProcessTable for lifetime management, though in practice
// regions are retained to resolve late samples (see Pipeline).
type ProcessTable struct {
	pageSize uint64
	mappers  map[int]*addrmap.AddressMapper
}

// New returns an empty ProcessTable whose mappers use pageSize for
// remapping alignment.
func New(pageSize uint64) *ProcessTable {
	return &ProcessTable{
		pageSize: pageSize,
		mappers:  make(map[int]*addrmap.AddressMapper),
	}
}

// Get returns the mapper for pid, if one has been created.
func (t *ProcessTable) Get(pid int) (*addrmap.AddressMapper, bool) {
	m, ok := t.mappers[pid]
	return m, ok
}

// GetOrCreate returns the mapper for pid, creating one if necessary.
// created is true iff a new mapper was created.
//
// A newly created mapper is seeded by cloning the parent's mapper:
// hasPPid/ppid identifies the parent if known; otherwise (or if the
// parent has no mapper yet) the kernel's mapper is used as the
// fallback parent, reflecting perf's habit of emitting an explicit
// swapper->init fork with no memory maps of its own. If neither parent
// nor kernel mapper exists yet, the new mapper starts empty.
func (t *ProcessTable) GetOrCreate(pid int, ppid int, hasPPid bool) (mapper *addrmap.AddressMapper, created bool) {
	if m, ok := t.mappers[pid]; ok {
		return m, false
	}

	var parent *addrmap.AddressMapper
	if hasPPid {
		parent = t.mappers[ppid]
	}
	if parent == nil {
		parent = t.mappers[KernelPID]
	}

	var m *addrmap.AddressMapper
	if parent != nil {
		m = parent.Clone()
	} else {
		m = addrmap.New(t.pageSize)
	}
	t.mappers[pid] = m
	return m, true
}

// Kernel returns the kernel's mapper, creating an empty one if it
// doesn't exist yet.
func (t *ProcessTable) Kernel() *addrmap.AddressMapper {
	m, _ := t.GetOrCreate(KernelPID, 0, false)
	return m
}
