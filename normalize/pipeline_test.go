// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permap/permap/perffile"
)

// captureHandler records every callback it receives, in order.
type captureHandler struct {
	samples []SampleContext
	comms   []CommContext
	mmaps   []MMapContext
}

func (h *captureHandler) Sample(c SampleContext) { h.samples = append(h.samples, c) }
func (h *captureHandler) Comm(c CommContext)     { h.comms = append(h.comms, c) }
func (h *captureHandler) MMap(c MMapContext)     { h.mmaps = append(h.mmaps, c) }

func mmapRecord(pid int, addr, length, pgoff uint64, mode perffile.CPUMode, filename string) *perffile.RecordMmap {
	return &perffile.RecordMmap{
		RecordCommon: perffile.RecordCommon{PID: pid, TID: pid},
		CPUMode:      mode,
		Addr:         addr,
		Len:          length,
		PgOff:        pgoff,
		Filename:     filename,
	}
}

func sampleRecord(pid int, ip uint64) *perffile.RecordSample {
	return &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{PID: pid, TID: pid, Format: perffile.SampleFormatIP},
		IP:           ip,
	}
}

// TestS1KernelNormalizationX86Sudo covers the x86-64 sudo case: pgoff
// strictly between start and start+len means the kernel mapping needs
// recentring on the real text range before it can resolve the sample.
func TestS1KernelNormalizationX86Sudo(t *testing.T) {
	mm := mmapRecord(0, 0x3bc00000, 0xffffffff843fffff, 0xffffffffbcc00198, perffile.CPUModeKernel, "[kernel.kallsyms]")
	sample := sampleRecord(0, 0xffffffffbcc00200)

	h := &captureHandler{}
	p := New(h)
	_, stats, err := p.Process([]perffile.Record{mm, sample})
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumSampleEventsMapped)

	require.Equal(t, uint64(0xffffffffbcc00198), mm.Addr)
	require.Equal(t, uint64(0), mm.PgOff)
	require.Equal(t, uint64(0xffffffffbcc00200), sample.IP, "do_remap=false leaves IP unchanged")

	require.Len(t, h.samples, 1)
	require.NotNil(t, h.samples[0].SampleMapping)
}

// TestS1RemapPreservesPageOffset repeats S1 with do_remap=true and
// checks the output IP shares the input's low page-offset bits.
func TestS1RemapPreservesPageOffset(t *testing.T) {
	mm := mmapRecord(0, 0x3bc00000, 0xffffffff843fffff, 0xffffffffbcc00198, perffile.CPUModeKernel, "[kernel.kallsyms]")
	sample := sampleRecord(0, 0xffffffffbcc00200)

	h := &captureHandler{}
	p := New(h, WithRemap(true))
	_, stats, err := p.Process([]perffile.Record{mm, sample})
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumSampleEventsMapped)
	require.True(t, stats.DidRemap)
	require.Equal(t, uint64(0x200), sample.IP%4096)
}

// TestS2ARMx86Sudo covers the pgoff==start kernel case, which needs
// no recentring, only the pgoff-zeroing to hide ASLR.
func TestS2ARMx86Sudo(t *testing.T) {
	mm := mmapRecord(0, 0x80008200, 0x100000, 0x80008200, perffile.CPUModeKernel, "[kernel.kallsyms]")
	sample := sampleRecord(0, 0x80008240)

	h := &captureHandler{}
	p := New(h)
	_, stats, err := p.Process([]perffile.Record{mm, sample})
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumSampleEventsMapped)
	require.Equal(t, uint64(0), mm.PgOff)
}

// TestS3ForkInheritance checks a forked process resolves an address
// inside a mapping it inherited from its parent to the same *Mapping.
func TestS3ForkInheritance(t *testing.T) {
	mm := mmapRecord(100, 0x400000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")
	fork := &perffile.RecordFork{RecordCommon: perffile.RecordCommon{PID: 200, TID: 200}, PPID: 100, PTID: 100}
	sample := sampleRecord(200, 0x400100)

	h := &captureHandler{}
	p := New(h)
	_, stats, err := p.Process([]perffile.Record{mm, fork, sample})
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumSampleEventsMapped)

	require.Len(t, h.mmaps, 1)
	require.Len(t, h.samples, 1)
	require.Same(t, h.mmaps[0].Mapping, h.samples[0].SampleMapping)
}

// TestS4CallchainContextCookies checks cookies pass through unchanged
// and a non-resolvable entry is marked with bit 63 rather than
// dropped or erroring the pass.
func TestS4CallchainContextCookies(t *testing.T) {
	kernelMM := mmapRecord(0, 0xffff000000000000, 0x1000000, 0, perffile.CPUModeKernel, "[kernel.kallsyms]")
	userMM := mmapRecord(300, 0x500000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")

	k1 := kernelMM.Addr + 0x10
	k2 := kernelMM.Addr + 0x20
	u1 := userMM.Addr + 0x10
	unresolvable := uint64(0xdead)

	sample := sampleRecord(300, u1)
	sample.Format |= perffile.SampleFormatCallchain
	sample.Callchain = []uint64{
		perffile.CallchainKernel, k1, k2,
		perffile.CallchainUser, u1, unresolvable,
	}

	h := &captureHandler{}
	p := New(h)
	_, _, err := p.Process([]perffile.Record{kernelMM, userMM, sample})
	require.NoError(t, err)

	require.Len(t, h.samples, 1)
	cc := h.samples[0].Callchain
	require.Len(t, cc, 6)
	require.Equal(t, perffile.CallchainKernel, cc[0].IP)
	require.Nil(t, cc[0].Mapping)
	require.NotNil(t, cc[1].Mapping)
	require.NotNil(t, cc[2].Mapping)
	require.Equal(t, perffile.CallchainUser, cc[3].IP)
	require.NotNil(t, cc[4].Mapping)

	require.Equal(t, unresolvable|unmappedMarkerBit, cc[5].IP)
	require.Nil(t, cc[5].Mapping)
}

// TestCallchainRemapSubstitutesAddress checks that, with do_remap on,
// a callchain entry's outgoing address is the synthetic mapped
// address (sharing the input's page offset), not the raw address.
func TestCallchainRemapSubstitutesAddress(t *testing.T) {
	mm := mmapRecord(350, 0x500000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")
	frame := mm.Addr + 0x20

	sample := sampleRecord(350, mm.Addr+0x10)
	sample.Format |= perffile.SampleFormatCallchain
	sample.Callchain = []uint64{frame}

	h := &captureHandler{}
	p := New(h, WithRemap(true))
	_, stats, err := p.Process([]perffile.Record{mm, sample})
	require.NoError(t, err)
	require.True(t, stats.DidRemap)

	require.Len(t, h.samples, 1)
	cc := h.samples[0].Callchain
	require.Len(t, cc, 1)
	require.NotNil(t, cc[0].Mapping)
	require.NotEqual(t, frame, cc[0].IP, "callchain entry was not remapped")
	require.Equal(t, frame%4096, cc[0].IP%4096, "remap must preserve page offset")
}

// TestCallchainFrameMarksDsoHitAndMmapUse checks a DSO/MMAP touched
// only via a callchain frame (never as a sample's own leaf IP) still
// gets marked hit and counted, so discard_unused_events doesn't drop
// it and the build-id filler doesn't skip it.
func TestCallchainFrameMarksDsoHitAndMmapUse(t *testing.T) {
	leafMM := mmapRecord(360, 0x500000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/leaf")
	callerMM := mmapRecord(360, 0x600000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/caller")
	callerFrame := callerMM.Addr + 0x10

	sample := sampleRecord(360, leafMM.Addr+0x10)
	sample.Format |= perffile.SampleFormatCallchain
	sample.Callchain = []uint64{callerFrame}

	h := &captureHandler{}
	p := New(h, WithDiscardUnusedEvents(true))
	out, _, err := p.Process([]perffile.Record{leafMM, callerMM, sample})
	require.NoError(t, err)

	require.Len(t, out, 3, "callerMM was hit only via a callchain frame and must not be discarded")
}

// TestBranchStackRemapSubstitutesAddress checks branch-stack endpoints
// carry the remapped address, not the raw one, when do_remap is on.
func TestBranchStackRemapSubstitutesAddress(t *testing.T) {
	mm := mmapRecord(450, 0x600000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")
	from, to := mm.Addr+0x10, mm.Addr+0x20

	sample := sampleRecord(450, from)
	sample.Format |= perffile.SampleFormatBranchStack
	sample.BranchStack = []perffile.BranchRecord{{From: from, To: to}}

	h := &captureHandler{}
	p := New(h, WithRemap(true))
	_, _, err := p.Process([]perffile.Record{mm, sample})
	require.NoError(t, err)

	require.Len(t, h.samples, 1)
	bs := h.samples[0].BranchStack
	require.Len(t, bs, 1)
	require.NotEqual(t, from, bs[0].From.IP, "branch-stack from-endpoint was not remapped")
	require.NotEqual(t, to, bs[0].To.IP, "branch-stack to-endpoint was not remapped")
	require.Equal(t, from%4096, bs[0].From.IP%4096)
	require.Equal(t, to%4096, bs[0].To.IP%4096)
}

// TestSampleCommandLookup checks a sample's (pid,tid) command is
// looked up and delivered on SampleContext, matching the main pass's
// documented per-SAMPLE step order.
func TestSampleCommandLookup(t *testing.T) {
	comm := &perffile.RecordComm{RecordCommon: perffile.RecordCommon{PID: 950, TID: 950}, Comm: "worker"}
	mm := mmapRecord(950, 0xd00000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/worker")
	sample := sampleRecord(950, mm.Addr+0x10)

	h := &captureHandler{}
	p := New(h)
	_, _, err := p.Process([]perffile.Record{comm, mm, sample})
	require.NoError(t, err)

	require.Len(t, h.samples, 1)
	require.True(t, h.samples[0].HasCommand)
	require.Equal(t, "worker", h.samples[0].Command)
}

// TestFileBuildIDsSeedBeforeFilesystemSearch checks the build-id
// filler seeds a DSO from the file's own build-id table and
// propagates it into the Mapping already handed to the Handler,
// without ever touching the (unconfigured) filesystem reader.
func TestFileBuildIDsSeedBeforeFilesystemSearch(t *testing.T) {
	mm := mmapRecord(960, 0xe00000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/seeded")
	sample := sampleRecord(960, mm.Addr+0x10)

	h := &captureHandler{}
	p := New(h, WithFileBuildIDs(map[string]perffile.BuildID{
		"/usr/bin/seeded": perffile.BuildID{0xde, 0xad, 0xbe, 0xef},
	}))
	_, _, err := p.Process([]perffile.Record{mm, sample})
	require.NoError(t, err)

	require.Len(t, h.mmaps, 1)
	require.Equal(t, "deadbeef", h.mmaps[0].Mapping.BuildID)
}

// TestS5BranchStackTrimming checks trailing null padding is trimmed
// and a non-null entry after a null one is rejected.
func TestS5BranchStackTrimming(t *testing.T) {
	mm := mmapRecord(400, 0x600000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")
	a1, b1 := mm.Addr+0x10, mm.Addr+0x20
	a2, b2 := mm.Addr+0x30, mm.Addr+0x40

	t.Run("accepted", func(t *testing.T) {
		sample := sampleRecord(400, a1)
		sample.Format |= perffile.SampleFormatBranchStack
		sample.BranchStack = []perffile.BranchRecord{
			{From: a1, To: b1}, {From: a2, To: b2}, {}, {},
		}

		h := &captureHandler{}
		p := New(h)
		_, _, err := p.Process([]perffile.Record{mm, sample})
		require.NoError(t, err)
		require.Len(t, h.samples[0].BranchStack, 2)
	})

	t.Run("rejected", func(t *testing.T) {
		sample := sampleRecord(400, a1)
		sample.Format |= perffile.SampleFormatBranchStack
		sample.BranchStack = []perffile.BranchRecord{
			{From: a1, To: b1}, {}, {From: a2, To: b2},
		}

		h := &captureHandler{}
		p := New(h)
		_, _, err := p.Process([]perffile.Record{mm, sample})
		require.ErrorIs(t, err, ErrMalformedBranchStack)
	})
}

// TestS6MappingPercentageThreshold checks a pass whose resolved-sample
// rate falls below the configured threshold fails.
func TestS6MappingPercentageThreshold(t *testing.T) {
	mm := mmapRecord(500, 0x700000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")
	records := []perffile.Record{mm}
	for i := 0; i < 80; i++ {
		records = append(records, sampleRecord(500, mm.Addr+0x10))
	}
	for i := 0; i < 20; i++ {
		records = append(records, sampleRecord(500, 0xdeadbeef))
	}

	h := &captureHandler{}
	p := New(h, WithSampleMappingPercentageThreshold(95))
	_, stats, err := p.Process(records)
	require.ErrorIs(t, err, ErrInsufficientMappedSamples)
	require.Equal(t, 100, stats.NumSampleEvents)
	require.Equal(t, 80, stats.NumSampleEventsMapped)
}

// TestZeroSamplesWithoutThresholdSucceeds checks a pass that never
// sees a sample event is not treated as a coverage failure unless a
// threshold was configured.
func TestZeroSamplesWithoutThresholdSucceeds(t *testing.T) {
	mm := mmapRecord(600, 0x800000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")
	h := &captureHandler{}
	p := New(h)
	_, stats, err := p.Process([]perffile.Record{mm})
	require.NoError(t, err)
	require.Equal(t, 0, stats.NumSampleEvents)
}

// TestZeroSamplesWithThresholdFails checks the same input fails once
// a mapping-percentage threshold is configured, since samples were
// then expected.
func TestZeroSamplesWithThresholdFails(t *testing.T) {
	mm := mmapRecord(700, 0x900000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/prog")
	h := &captureHandler{}
	p := New(h, WithSampleMappingPercentageThreshold(50))
	_, _, err := p.Process([]perffile.Record{mm})
	require.ErrorIs(t, err, ErrInsufficientMappedSamples)
}

// TestDiscardUnusedEvents checks the discard_unused_events post-pass
// drops MMAPs no sample resolved into and keeps the ones that were
// hit, satisfying the "unmapped MMAP removal" invariant.
func TestDiscardUnusedEvents(t *testing.T) {
	used := mmapRecord(800, 0xa00000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/used")
	unused := mmapRecord(800, 0xb00000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/unused")
	sample := sampleRecord(800, used.Addr+0x10)

	h := &captureHandler{}
	p := New(h, WithDiscardUnusedEvents(true))
	out, _, err := p.Process([]perffile.Record{used, unused, sample})
	require.NoError(t, err)

	require.Len(t, out, 2)
	require.Same(t, used, out[0].(*perffile.RecordMmap))
	require.Same(t, sample, out[1].(*perffile.RecordSample))
}

// TestCommandStability checks a (pid,tid) -> comm reference remains
// resolvable until a later COMM for the same pair overwrites it.
func TestCommandStability(t *testing.T) {
	c1 := &perffile.RecordComm{RecordCommon: perffile.RecordCommon{PID: 900, TID: 900}, Comm: "first"}
	c2 := &perffile.RecordComm{RecordCommon: perffile.RecordCommon{PID: 900, TID: 900}, Comm: "second", Exec: true}

	h := &captureHandler{}
	p := New(h)
	_, _, err := p.Process([]perffile.Record{c1, c2})
	require.NoError(t, err)

	require.Len(t, h.comms, 2)
	require.Equal(t, "first", h.comms[0].Record.Comm)
	require.False(t, h.comms[0].IsExec)
	require.Equal(t, "second", h.comms[1].Record.Comm)
	require.True(t, h.comms[1].IsExec)
}

// TestUnknownEventTypeFails checks a record type outside the known
// no-op set fails the pass rather than being silently skipped.
func TestUnknownEventTypeFails(t *testing.T) {
	rec := &perffile.RecordKsymbol{RecordCommon: perffile.RecordCommon{}}

	h := &captureHandler{}
	p := New(h)
	_, _, err := p.Process([]perffile.Record{rec})
	require.ErrorIs(t, err, ErrUnknownEventType)
}

// TestMmapOverlapEviction checks a later MMAP superseding an earlier
// one at the same address doesn't fail the pass and later samples
// resolve against the new mapping.
func TestMmapOverlapEviction(t *testing.T) {
	first := mmapRecord(1000, 0xc00000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/a")
	second := mmapRecord(1000, 0xc00000, 0x1000, 0, perffile.CPUModeUser, "/usr/bin/b")
	sample := sampleRecord(1000, 0xc00010)

	h := &captureHandler{}
	p := New(h)
	_, stats, err := p.Process([]perffile.Record{first, second, sample})
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumSampleEventsMapped)
	require.Equal(t, "/usr/bin/b", h.samples[0].SampleMapping.Filename)
}
