// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package normalize turns a decoded perf.data record stream into
// resolved samples: every instruction pointer, data address,
// callchain entry, and branch-stack endpoint is matched against the
// memory mapping that was in effect for its process at the time,
// and, optionally, rewritten into a synthetic address space that
// hides the real addresses from downstream consumers while
// preserving their page-offset structure.
package normalize

import (
	"fmt"

	"github.com/permap/permap/perffile"
)

// A Mapping describes a contiguous virtual-address region backed by a
// file (a shared object, the kernel image, a kernel module) or by
// anonymous/JIT memory. Once handed to a Handler, a *Mapping remains
// valid for the lifetime of the Pipeline that produced it; only its
// BuildID may still change, when the post-pass build-id filler sets a
// build id that was empty at MMap time.
type Mapping struct {
	// Filename is empty if the real path was stripped (see
	// FilenameMD5Prefix) or never had one (anonymous memory).
	Filename string
	// BuildID is a hex-encoded build id, empty if none was found.
	BuildID string

	Start, Limit uint64 // Limit is exclusive.
	FileOffset   uint64

	// FilenameMD5Prefix, if nonzero and Filename is empty, is the
	// MD5 prefix that replaced the real path. See NameOrMd5Prefix.
	FilenameMD5Prefix uint64

	HasDevIno     bool
	Maj, Min      uint32
	Ino           uint64
	InoGeneration uint64

	IsJIT bool
}

// NameOrMd5Prefix returns name if it is non-empty, otherwise the hex
// representation of md5Prefix.
func NameOrMd5Prefix(name string, md5Prefix uint64) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%016x", md5Prefix)
}

// MappingFilename returns the best available name for m: its real
// filename, or the string form of its MD5 prefix if the filename was
// stripped.
func MappingFilename(m *Mapping) string {
	if m == nil {
		return ""
	}
	return NameOrMd5Prefix(m.Filename, m.FilenameMD5Prefix)
}

// A Location is a resolved address: the ip (rewritten to its
// synthetic address when remapping is enabled and resolution
// succeeded) and the Mapping it fell within. A PERF_CONTEXT_*
// callchain cookie keeps its value and has a nil Mapping. A callchain
// entry that does not resolve has a nil Mapping and its original ip
// with bit 63 set. A branch endpoint that does not resolve keeps its
// original ip.
type Location struct {
	IP      uint64
	Mapping *Mapping
}

// A BranchEntry is one resolved entry of a branch stack (e.g. an LBR
// record): the source and destination of a taken branch, plus the
// flags and cycle count perf recorded for it.
type BranchEntry struct {
	From, To                                      Location
	Mispredicted, Predicted, InTransaction, Abort bool
	Cycles                                        uint32
}

// SampleContext is passed to Handler.Sample for every SAMPLE record.
type SampleContext struct {
	Record *perffile.RecordSample

	// MainMapping is the mapping for the sampled process's main
	// executable, if known.
	MainMapping *Mapping
	// SampleMapping is the mapping containing Record.IP.
	SampleMapping *Mapping
	// AddrMapping is the mapping containing Record.Addr, if the
	// sample carries a nonzero data address.
	AddrMapping *Mapping

	Callchain   []Location
	BranchStack []BranchEntry

	// FileAttrsIndex is the index of Record.EventAttr within the
	// stable per-Process event-attribute table, or -1 if unknown.
	FileAttrsIndex int

	// Cgroup is the pathname of the sample's cgroup, if a
	// PERF_RECORD_CGROUP event for it has been seen.
	Cgroup    string
	HasCgroup bool

	// Command is the (pid,tid)'s comm string, looked up the same way
	// the main pass looks up every sample's command before resolving
	// its addresses.
	Command    string
	HasCommand bool
}

// CommContext is passed to Handler.Comm for every COMM record.
type CommContext struct {
	Record *perffile.RecordComm
	// IsExec mirrors Record.Exec: it is true iff the comm change was
	// caused by exec() rather than a synthetic COMM emitted to
	// describe a pre-existing process.
	IsExec bool
}

// MMapContext is passed to Handler.MMap for every MMAP/MMAP2 record.
type MMapContext struct {
	Mapping *Mapping
	PID     int
}

// Handler receives fully-resolved callbacks from a Pipeline.
//
// Mapping pointers delivered to a Handler are stable for the lifetime
// of the Pipeline: implementations may use them as cache keys.
type Handler interface {
	Sample(SampleContext)
	Comm(CommContext)
	MMap(MMapContext)
}
