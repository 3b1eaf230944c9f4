// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procstate holds the per-pid and per-filename state a
// normalization pass accumulates as it walks a perf.data record
// stream: which process owns which address-space mapper, which
// command name a thread is currently running, and which DSO a
// filename resolved to.
package procstate

// KernelPID is the sentinel pid used for the synthetic "kernel"
// process. It is distinct from every real pid (including 0, which the
// kernel sometimes uses for the idle/swapper task) so that process
// lookups can fall back to it unambiguously.
const KernelPID = -1

// A PidTid identifies a thread by its process and thread id.
type PidTid struct {
	PID, TID int
}

// Pack encodes a PidTid into a single uint64 suitable for use as a
// set member (e.g. DsoInfo.Threads), with PID in the high 32 bits and
// TID in the low 32 bits.
func (p PidTid) Pack() uint64 {
	return uint64(uint32(p.PID))<<32 | uint64(uint32(p.TID))
}

// Unpack decodes a uint64 produced by Pack back into a PidTid.
func Unpack(packed uint64) PidTid {
	return PidTid{
		PID: int(int32(packed >> 32)),
		TID: int(int32(packed)),
	}
}
