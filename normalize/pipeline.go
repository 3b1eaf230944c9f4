// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package normalize

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/permap/permap/addrmap"
	"github.com/permap/permap/perffile"
	"github.com/permap/permap/procstate"
)

// contextCookieFloor is PERF_CONTEXT_MAX, the smallest-magnitude (as
// unsigned) of the PERF_CONTEXT_* sentinels the kernel interleaves
// into a callchain to mark privilege-level boundaries. Any callchain
// entry >= this value is a cookie, not an address, and passes through
// resolution unchanged.
const contextCookieFloor uint64 = 0xfffffffffffff001

// unmappedMarkerBit, when set in an outgoing callchain entry, flags
// that entry as unresolved. Setting bit 63 lifts the value above
// every platform's user-space range and above the synthetic
// high-water mark, so downstream code can distinguish unresolved
// entries without a side channel.
const unmappedMarkerBit uint64 = 1 << 63

// jitFilenameMarker is the filename substring that identifies a JIT
// mapping when allowUnalignedJITMappings is enabled.
const jitFilenameMarker = "jitted-"

// Stats accumulates counts over one Pipeline.Process call, mirroring
// quipper's own end-of-pass summary.
type Stats struct {
	NumMmapEvents             int
	NumCommEvents             int
	NumForkEvents             int
	NumExitEvents             int
	NumSampleEvents           int
	NumSampleEventsMapped     int
	NumDataSampleEvents       int
	NumDataSampleEventsMapped int
	DidRemap                  bool
}

// Pipeline normalizes a decoded perf.data record stream, delivering
// resolved samples, comms, and mmaps to a Handler.
//
// A Pipeline is reusable: each call to Process starts from fresh
// process/command/DSO state, so the same configured Pipeline can
// normalize multiple independent record streams.
type Pipeline struct {
	pageSize                         uint64
	doRemap                          bool
	discardUnusedEvents              bool
	sortEventsByTime                 bool
	deduceHugePageMappings           bool
	combineMappings                  bool
	readMissingBuildIDs              bool
	allowUnalignedJITMappings        bool
	sampleMappingPercentageThreshold float64

	hugePageDeducer HugePageDeducer
	mappingCombiner MappingCombiner
	buildIDReader   BuildIDReader
	fileBuildIDs    map[string]perffile.BuildID
	logger          log.Logger
	handler         Handler
}

// New returns a Pipeline that delivers callbacks to handler, applying
// opts over a set of conservative defaults (no remapping, no
// pre-passes, no mapping-percentage threshold).
func New(handler Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		pageSize:        4096,
		hugePageDeducer: identityHugePageDeducer,
		mappingCombiner: identityMappingCombiner,
		buildIDReader:   NewFilesystemBuildIDReader(),
		logger:          log.Nop(),
		handler:         handler,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// mmapEntry is the pipeline's bookkeeping for one MMAP/MMAP2 record:
// the DSO it names, the Mapping handed to the Handler, and how many
// samples have resolved into it so far.
type mmapEntry struct {
	record                 *perffile.RecordMmap
	dso                    *procstate.DsoInfo
	mapping                *Mapping
	numSamplesInMmapRegion int
	pid                    int
}

// run holds the state accumulated over a single Process call.
type run struct {
	p      *Pipeline
	logger log.Logger

	processes *procstate.ProcessTable
	commands  *procstate.CommandTable
	dsos      *procstate.DsoRegistry

	mmaps          map[uint64]*mmapEntry
	cgroups        map[uint64]string
	fileAttrsIndex map[*perffile.EventAttr]int

	// mainMappings holds, per pid, the first file-backed (non-bracketed,
	// non-kernel) mapping observed — the loaded executable itself, by
	// convention the process's first MMAP.
	mainMappings map[int]*Mapping

	firstKernelMmapSeen bool

	stats Stats
}

// Process normalizes records in place, delivering callbacks to the
// Pipeline's Handler as it goes, and returns the (possibly trimmed,
// if discard_unused_events is set) record slice plus run statistics.
//
// Process is not safe to call concurrently with itself, but separate
// calls on the same Pipeline (sequentially) are independent: each
// starts from fresh process/command/DSO state.
func (p *Pipeline) Process(records []perffile.Record) ([]perffile.Record, Stats, error) {
	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()

	records = p.runPrePasses(records, logger)

	r := &run{
		p:              p,
		logger:         logger,
		processes:      procstate.New(p.pageSize),
		commands:       procstate.NewCommandTable(),
		dsos:           procstate.NewDsoRegistry(),
		mmaps:          make(map[uint64]*mmapEntry),
		cgroups:        make(map[uint64]string),
		fileAttrsIndex: make(map[*perffile.EventAttr]int),
		mainMappings:   make(map[int]*Mapping),
	}
	// The kernel never emits a COMM for pid 0; seed it so kernel-only
	// samples still resolve a command name.
	r.commands.Set(0, 0, "swapper")

	for i, rec := range records {
		if err := r.dispatch(uint64(i), rec); err != nil {
			return records, r.stats, err
		}
	}

	r.fillBuildIDs()

	if err := r.checkMappedThreshold(); err != nil {
		return records, r.stats, err
	}

	if p.discardUnusedEvents {
		records = r.discardUnusedMmaps(records)
	}

	logger.Info().
		Int("mmap_events", r.stats.NumMmapEvents).
		Int("comm_events", r.stats.NumCommEvents).
		Int("fork_events", r.stats.NumForkEvents).
		Int("exit_events", r.stats.NumExitEvents).
		Int("sample_events", r.stats.NumSampleEvents).
		Int("sample_events_mapped", r.stats.NumSampleEventsMapped).
		Bool("did_remap", r.stats.DidRemap).
		Msg("normalization complete")

	return records, r.stats, nil
}

// runPrePasses applies the optional pre-passes in the stated order:
// time sort, huge-page deduction, mapping combination.
func (p *Pipeline) runPrePasses(records []perffile.Record, logger log.Logger) []perffile.Record {
	if p.sortEventsByTime {
		logger.Debug().Msg("pre-pass: sorting events by time")
		sortRecordsByTime(records)
	}
	if p.deduceHugePageMappings {
		logger.Debug().Msg("pre-pass: deducing huge-page mappings")
		records = p.hugePageDeducer(records)
	}
	if p.combineMappings {
		logger.Debug().Msg("pre-pass: combining split mappings")
		records = p.mappingCombiner(records)
	}
	return records
}

// checkMappedThreshold implements the post-pass mapped-percentage
// check: fail if the sample-mapping rate is below the configured
// threshold, or if no samples were seen at all while a threshold was
// in force (i.e. samples were expected, not deliberately excluded).
func (r *run) checkMappedThreshold() error {
	if r.stats.NumSampleEvents == 0 {
		if r.p.sampleMappingPercentageThreshold > 0 {
			return errors.Wrap(ErrInsufficientMappedSamples, "no sample events seen")
		}
		return nil
	}
	mappedPercent := float64(r.stats.NumSampleEventsMapped) / float64(r.stats.NumSampleEvents) * 100
	if mappedPercent < r.p.sampleMappingPercentageThreshold {
		return errors.Wrapf(ErrInsufficientMappedSamples, "%.2f%% of samples mapped, want >= %.2f%%",
			mappedPercent, r.p.sampleMappingPercentageThreshold)
	}
	return nil
}

func (r *run) dispatch(index uint64, rec perffile.Record) error {
	switch e := rec.(type) {
	case *perffile.RecordSample:
		r.stats.NumSampleEvents++
		return r.handleSample(e)

	case *perffile.RecordMmap:
		r.stats.NumMmapEvents++
		return r.handleMmap(index, e)

	case *perffile.RecordFork:
		r.stats.NumForkEvents++
		return r.handleFork(e)

	case *perffile.RecordExit:
		r.stats.NumExitEvents++
		return nil

	case *perffile.RecordComm:
		r.stats.NumCommEvents++
		return r.handleComm(e)

	case *perffile.RecordCGroup:
		r.cgroups[e.ID] = e.Path
		return nil

	case *perffile.RecordLost, *perffile.RecordThrottle:
		return nil

	default:
		return r.dispatchNoOp(rec)
	}
}

// noOpRecordTypes is the set of record types that are recognized but
// carry no normalization work: they're counted (by the caller
// observing the record stream, if it wants to) and otherwise ignored.
var noOpRecordTypes = map[perffile.RecordType]bool{
	perffile.RecordTypeLost:          true,
	perffile.RecordTypeThrottle:      true,
	perffile.RecordTypeUnthrottle:    true,
	perffile.RecordTypeAux:           true,
	perffile.RecordTypeItraceStart:   true,
	perffile.RecordTypeLostSamples:   true,
	perffile.RecordTypeSwitch:        true,
	perffile.RecordTypeSwitchCPUWide: true,
	perffile.RecordTypeNamespaces:    true,
	perffile.RecordTypeCGroup:        true,
}

func (r *run) dispatchNoOp(rec perffile.Record) error {
	t := rec.Type()
	if t == perffile.RecordTypeFinishedRound {
		return nil
	}
	if t >= perffile.RecordTypeUserStart {
		return nil
	}
	if noOpRecordTypes[t] {
		return nil
	}
	return errors.Wrapf(ErrUnknownEventType, "record type %d", t)
}

func (r *run) handleComm(e *perffile.RecordComm) error {
	r.commands.Set(e.PID, e.TID, e.Comm)
	r.p.handler.Comm(CommContext{Record: e, IsExec: e.Exec})
	return nil
}

func (r *run) handleFork(e *perffile.RecordFork) error {
	if e.PID != e.PPID {
		r.commands.Fork(e.PPID, e.PID)
		r.processes.GetOrCreate(e.PID, e.PPID, true)
	}
	return nil
}

func (r *run) handleMmap(index uint64, e *perffile.RecordMmap) error {
	isKernelImage := e.CPUMode == perffile.CPUModeKernel && !r.firstKernelMmapSeen
	if isKernelImage {
		r.firstKernelMmapSeen = true
		normalizeKernelMmap(e)
	}

	isJIT := r.p.allowUnalignedJITMappings && strings.Contains(e.Filename, jitFilenameMarker)

	// Kernel-mode mappings (the kernel image, loaded modules) live in
	// the shared kernel mapper rather than whichever pid the record
	// happened to be attributed to: kernel virtual addresses aren't
	// process-specific, and ProcessTable.GetOrCreate seeds every new
	// process's mapper from this one so kernel samples resolve for
	// every process without per-process kernel bookkeeping.
	var mapper *addrmap.AddressMapper
	if e.CPUMode == perffile.CPUModeKernel {
		mapper = r.processes.Kernel()
	} else {
		mapper, _ = r.processes.GetOrCreate(e.PID, 0, false)
	}
	if err := mapper.MapWithID(e.Addr, e.Len, index, e.PgOff, true, isJIT); err != nil {
		r.logger.Error().
			Uint64("index", index).
			Str("filename", e.Filename).
			Err(err).
			Func(func(ev *log.Event) {
				mapper.DumpRegions(ev)
			}).
			Msg("mmap insert failure")
		return errors.Wrapf(ErrMmapInsertFailure, "pid=%d addr=%#x len=%#x: %s", e.PID, e.Addr, e.Len, err)
	}

	dso := r.dsos.GetOrCreate(e.Filename)
	if e.V2 {
		dso.HasDevIno = true
		dso.Maj, dso.Min = e.Major, e.Minor
		dso.Ino, dso.InoGeneration = e.Ino, e.InoGeneration
	}

	mapping := &Mapping{
		Filename:      e.Filename,
		Start:         e.Addr,
		Limit:         e.Addr + e.Len,
		FileOffset:    e.PgOff,
		HasDevIno:     dso.HasDevIno,
		Maj:           dso.Maj,
		Min:           dso.Min,
		Ino:           dso.Ino,
		InoGeneration: dso.InoGeneration,
		IsJIT:         isJIT,
	}
	if len(e.BuildID) > 0 {
		mapping.BuildID = hex.EncodeToString(e.BuildID)
	}

	if r.p.doRemap {
		mappedAddr, region, ok := mapper.GetMappedAddress(e.Addr)
		if !ok {
			return errors.Wrapf(ErrMmapInsertFailure, "region just inserted is not queryable: pid=%d addr=%#x", e.PID, e.Addr)
		}
		if !isJIT && mappedAddr%r.p.pageSize != e.Addr%r.p.pageSize {
			return errors.Wrapf(ErrAlignmentViolation, "pid=%d addr=%#x mapped=%#x", e.PID, e.Addr, mappedAddr)
		}
		_ = region
		e.Addr = mappedAddr
		mapping.Start = mappedAddr
		mapping.Limit = mappedAddr + e.Len
		r.stats.DidRemap = true
	}

	r.mmaps[index] = &mmapEntry{
		record:  e,
		dso:     dso,
		mapping: mapping,
		pid:     e.PID,
	}

	if e.CPUMode != perffile.CPUModeKernel {
		if _, ok := r.mainMappings[e.PID]; !ok && isMainBinaryCandidate(e.Filename) {
			r.mainMappings[e.PID] = mapping
		}
	}

	r.p.handler.MMap(MMapContext{Mapping: mapping, PID: e.PID})
	return nil
}

// isMainBinaryCandidate reports whether filename looks like it names
// a real file on disk rather than an anonymous or pseudo mapping
// (the bracketed forms perf uses for the heap, stack, vdso, and
// similar).
func isMainBinaryCandidate(filename string) bool {
	return filename != "" && filename[0] != '['
}

// normalizeKernelMmap applies the kernel-mmap normalization rules to
// the single record identified as the kernel image (the first MMAP
// whose misc flags indicate kernel mode):
//
//   - x86-64 sudo case: pgoff strictly between start and start+len
//     means the recorded range spans from the load bias to the real
//     kernel text; recenter on the real text.
//   - ARM/x86 (pgoff == start) and non-root (start == 0, pgoff == 0)
//     need no recentring.
//   - In every case, pgoff is zeroed afterward to hide ASLR.
func normalizeKernelMmap(e *perffile.RecordMmap) {
	if e.Addr < e.PgOff && e.PgOff < e.Addr+e.Len {
		e.Len = e.Len + e.Addr - e.PgOff
		e.Addr = e.PgOff
	}
	e.PgOff = 0
}

func (r *run) handleSample(e *perffile.RecordSample) error {
	comm, hasComm := r.commands.Lookup(e.PID, e.TID)

	ipMapping, ipOK := r.mapIPAndPid(e.IP, e.PID, e.TID, &e.IP)

	var addrMapping *Mapping
	if e.Format&perffile.SampleFormatAddr != 0 && e.Addr != 0 {
		r.stats.NumDataSampleEvents++
		var addrOK bool
		addrMapping, addrOK = r.mapIPAndPid(e.Addr, e.PID, e.TID, &e.Addr)
		if addrOK {
			r.stats.NumDataSampleEventsMapped++
		}
	}

	callchain, callchainOK := r.resolveCallchain(e.Callchain, e.PID, e.TID)
	branchStack, branchOK, err := r.resolveBranchStack(e.BranchStack, e.PID, e.TID)
	if err != nil {
		return err
	}

	if ipOK && callchainOK && branchOK {
		r.stats.NumSampleEventsMapped++
	}

	attrIdx := -1
	if e.EventAttr != nil {
		idx, ok := r.fileAttrsIndex[e.EventAttr]
		if !ok {
			idx = len(r.fileAttrsIndex)
			r.fileAttrsIndex[e.EventAttr] = idx
		}
		attrIdx = idx
	}

	ctx := SampleContext{
		Record:         e,
		MainMapping:    r.mainMappings[e.PID],
		SampleMapping:  ipMapping,
		AddrMapping:    addrMapping,
		Callchain:      callchain,
		BranchStack:    branchStack,
		FileAttrsIndex: attrIdx,
		Command:        comm,
		HasCommand:     hasComm,
	}
	if e.Format&perffile.SampleFormatCGroup != 0 {
		if path, ok := r.cgroups[e.CGroup]; ok {
			ctx.Cgroup, ctx.HasCgroup = path, true
		}
	}
	r.p.handler.Sample(ctx)
	return nil
}

// mapIPAndPid implements map_ip_and_pid: it resolves ip in pid's
// mapper, records the hit against the owning DSO and MMAP, and, if
// remapping is enabled, rewrites *outIP to the synthetic address.
func (r *run) mapIPAndPid(ip uint64, pid, tid int, outIP *uint64) (*Mapping, bool) {
	mapper, _ := r.processes.GetOrCreate(pid, 0, false)

	mappedAddr, region, ok := mapper.GetMappedAddress(ip)
	if !ok {
		return nil, false
	}

	entry, ok := r.mmaps[region.ID]
	if !ok {
		return nil, false
	}

	r.dsos.MarkHit(entry.dso, pid, tid)
	entry.numSamplesInMmapRegion++

	if r.p.doRemap {
		if !region.IsJIT && mappedAddr%r.p.pageSize != ip%r.p.pageSize {
			return entry.mapping, false
		}
		*outIP = mappedAddr
	}
	return entry.mapping, true
}

// resolveCallchain implements §4.6: PERF_CONTEXT_* cookies pass
// through unchanged (they only mark a stack-type boundary for
// consumers), and every other entry resolves against pid's own mapper
// through the same map_ip_and_pid logic as the sample's own IP
// (mapIPAndPid), so a frame seen only on a caller's stack still marks
// its DSO/MMAP hit and gets remapped into the synthetic address space
// exactly like a leaf-IP sample would. A failed resolution is marked
// unmapped (bit 63 set) rather than dropped. Kernel addresses resolve
// through this same per-process mapper because a process's mapper is
// seeded, at creation, from the kernel mapper (see ProcessTable): the
// pipeline never needs to switch mappers mid-callchain.
func (r *run) resolveCallchain(callchain []uint64, pid, tid int) ([]Location, bool) {
	if len(callchain) == 0 {
		return nil, true
	}
	out := make([]Location, 0, len(callchain))
	ok := true
	for _, entry := range callchain {
		if entry >= contextCookieFloor {
			out = append(out, Location{IP: entry})
			continue
		}

		mappedIP := entry
		mapping, resolved := r.mapIPAndPid(entry, pid, tid, &mappedIP)
		if !resolved {
			ok = false
			out = append(out, Location{IP: entry | unmappedMarkerBit})
			continue
		}
		out = append(out, Location{IP: mappedIP, Mapping: mapping})
	}
	return out, ok
}

// resolveBranchStack implements §4.7: trailing null (0,0) entries are
// padding, trimmed after validating that nothing non-null follows the
// first null; every surviving entry is resolved at both endpoints
// through mapIPAndPid, the same map_ip_and_pid logic the sample's own
// IP and the callchain use, so a branch endpoint touched only here
// still marks its DSO/MMAP hit and is substituted with its remapped
// address when remapping is enabled.
func (r *run) resolveBranchStack(stack []perffile.BranchRecord, pid, tid int) ([]BranchEntry, bool, error) {
	if len(stack) == 0 {
		return nil, true, nil
	}

	n := len(stack)
	for i, e := range stack {
		if e.From == 0 && e.To == 0 {
			for _, rest := range stack[i:] {
				if rest.From != 0 || rest.To != 0 {
					return nil, false, errors.Wrap(ErrMalformedBranchStack, "non-null entry after null padding")
				}
			}
			n = i
			break
		}
	}

	out := make([]BranchEntry, 0, n)
	ok := true
	for _, e := range stack[:n] {
		fromIP, toIP := e.From, e.To
		fromMapping, fromOK := r.mapIPAndPid(e.From, pid, tid, &fromIP)
		toMapping, toOK := r.mapIPAndPid(e.To, pid, tid, &toIP)
		if !fromOK || !toOK {
			ok = false
		}
		out = append(out, BranchEntry{
			From:          Location{IP: fromIP, Mapping: fromMapping},
			To:            Location{IP: toIP, Mapping: toMapping},
			Mispredicted:  e.Flags&perffile.BranchFlagMispredicted != 0,
			Predicted:     e.Flags&perffile.BranchFlagPredicted != 0,
			InTransaction: e.Flags&perffile.BranchFlagInTransaction != 0,
			Abort:         e.Flags&perffile.BranchFlagAbort != 0,
			Cycles:        uint32(e.Cycles),
		})
	}
	return out, ok, nil
}

// fillBuildIDs is the post-pass build-id filler. It first seeds every
// known DSO's build id from the perf.data file's own HEADER_BUILD_ID
// table (WithFileBuildIDs), unconditionally, the way quipper's
// FillInDsoBuildIds does before it ever touches the filesystem. Then,
// only if readMissingBuildIDs is set, it searches the filesystem
// (following the order documented on findDsoBuildID) for every DSO a
// sample actually resolved into but that the file table left empty,
// writing the first non-empty result back into the DSO record.
func (r *run) fillBuildIDs() {
	for _, info := range r.dsos.All() {
		if bid, ok := r.p.fileBuildIDs[info.Filename]; ok {
			info.BuildID = []byte(bid)
		}
		if !r.p.readMissingBuildIDs || !info.Hit || len(info.BuildID) > 0 {
			continue
		}
		if name, isModule := moduleName(info.Filename); isModule {
			if bid, ok := r.p.buildIDReader.ReadModuleBuildID(name); ok {
				if raw, err := hex.DecodeString(bid); err == nil {
					info.BuildID = raw
				}
			}
			continue
		}
		if bid, ok := r.findDsoBuildID(info); ok {
			if raw, err := hex.DecodeString(bid); err == nil {
				info.BuildID = raw
			}
		}
	}

	// The Mapping already handed to the Handler at MMap time is a
	// stable, cacheable pointer (see Handler's doc comment); propagate
	// whatever build id was just found into it so a Handler that kept
	// that pointer around sees it without a second callback.
	for _, entry := range r.mmaps {
		if len(entry.mapping.BuildID) == 0 && len(entry.dso.BuildID) > 0 {
			entry.mapping.BuildID = hex.EncodeToString(entry.dso.BuildID)
		}
	}
}

// findDsoBuildID implements the non-module build-id search order: try
// each observing thread's /proc/<tid>/root path, falling back once
// per distinct pid to /proc/<pid>/root, then finally the host-relative
// path.
func (r *run) findDsoBuildID(info *procstate.DsoInfo) (string, bool) {
	threads := make([]procstate.PidTid, 0, len(info.Threads))
	for packed := range info.Threads {
		threads = append(threads, procstate.Unpack(packed))
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].PID != threads[j].PID {
			return threads[i].PID < threads[j].PID
		}
		return threads[i].TID < threads[j].TID
	})

	tried := make(map[int]bool)
	for _, pt := range threads {
		path := buildIDSearchPath(pt.TID, info.Filename)
		if bid, ok := r.p.buildIDReader.ReadELFBuildIDIfSameInode(path, info.Maj, info.Min, info.Ino, info.HasDevIno); ok {
			return bid, true
		}
		if pt.PID != pt.TID && !tried[pt.PID] {
			tried[pt.PID] = true
			path := buildIDSearchPath(pt.PID, info.Filename)
			if bid, ok := r.p.buildIDReader.ReadELFBuildIDIfSameInode(path, info.Maj, info.Min, info.Ino, info.HasDevIno); ok {
				return bid, true
			}
		}
	}
	return r.p.buildIDReader.ReadELFBuildIDIfSameInode(info.Filename, info.Maj, info.Min, info.Ino, info.HasDevIno)
}

// discardUnusedMmaps drops MMAP/MMAP2 records that no sample resolved
// into, preserving the relative order of everything that remains.
func (r *run) discardUnusedMmaps(records []perffile.Record) []perffile.Record {
	out := make([]perffile.Record, 0, len(records))
	for i, rec := range records {
		if mm, ok := rec.(*perffile.RecordMmap); ok {
			if entry, ok := r.mmaps[uint64(i)]; ok && entry.numSamplesInMmapRegion == 0 {
				continue
			}
			_ = mm
		}
		out = append(out, rec)
	}
	return out
}
