// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package normalize

import (
	log "github.com/rs/zerolog"

	"github.com/permap/permap/perffile"
)

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithPageSize sets the page size used for remap alignment. Default
// is 4096.
func WithPageSize(pageSize uint64) Option {
	return func(p *Pipeline) {
		p.pageSize = pageSize
	}
}

// WithRemap enables rewriting resolved addresses through the
// synthetic address space. Default is false.
func WithRemap(doRemap bool) Option {
	return func(p *Pipeline) {
		p.doRemap = doRemap
	}
}

// WithDiscardUnusedEvents enables dropping MMAP events that no sample
// resolved into, after the main pass completes. Default is false.
func WithDiscardUnusedEvents(discard bool) Option {
	return func(p *Pipeline) {
		p.discardUnusedEvents = discard
	}
}

// WithSortEventsByTime enables the time-sort pre-pass. Default is
// false.
func WithSortEventsByTime(sort bool) Option {
	return func(p *Pipeline) {
		p.sortEventsByTime = sort
	}
}

// WithDeduceHugePageMappings enables the huge-page deduction pre-pass.
// Default is false.
func WithDeduceHugePageMappings(deduce bool) Option {
	return func(p *Pipeline) {
		p.deduceHugePageMappings = deduce
	}
}

// WithCombineMappings enables the split-mapping coalescing pre-pass.
// Default is false.
func WithCombineMappings(combine bool) Option {
	return func(p *Pipeline) {
		p.combineMappings = combine
	}
}

// WithReadMissingBuildIDs enables the post-pass filesystem build-id
// search for DSOs the file's own build-id table left unresolved.
// Default is false.
func WithReadMissingBuildIDs(read bool) Option {
	return func(p *Pipeline) {
		p.readMissingBuildIDs = read
	}
}

// WithFileBuildIDs seeds the build-id filler from a perf.data file's
// own HEADER_BUILD_ID feature section (perffile.File.
// FilenamesToBuildIDs), keyed by mapping filename. This runs
// unconditionally in the post-pass, before the (optional,
// WithReadMissingBuildIDs-gated) filesystem search, matching quipper's
// FillInDsoBuildIds: the file-embedded table is authoritative where it
// has an entry, and the filesystem search only fills the gaps it
// leaves for DSOs that were actually sampled.
func WithFileBuildIDs(buildIDs map[string]perffile.BuildID) Option {
	return func(p *Pipeline) {
		p.fileBuildIDs = buildIDs
	}
}

// WithAllowUnalignedJITMappings enables treating mappings whose
// filename contains "jitted-" as JIT regions exempt from the
// alignment check. Default is false.
func WithAllowUnalignedJITMappings(allow bool) Option {
	return func(p *Pipeline) {
		p.allowUnalignedJITMappings = allow
	}
}

// WithSampleMappingPercentageThreshold sets the minimum percentage
// (0-100) of sample events that must fully resolve for Process to
// succeed. Default is 0 (no threshold).
func WithSampleMappingPercentageThreshold(threshold float64) Option {
	return func(p *Pipeline) {
		p.sampleMappingPercentageThreshold = threshold
	}
}

// WithHugePageDeducer overrides the default identity huge-page
// deduction pre-pass.
func WithHugePageDeducer(fn HugePageDeducer) Option {
	return func(p *Pipeline) {
		p.hugePageDeducer = fn
	}
}

// WithMappingCombiner overrides the default identity mapping-combine
// pre-pass.
func WithMappingCombiner(fn MappingCombiner) Option {
	return func(p *Pipeline) {
		p.mappingCombiner = fn
	}
}

// WithBuildIDReader overrides the default filesystem-backed
// BuildIDReader.
func WithBuildIDReader(r BuildIDReader) Option {
	return func(p *Pipeline) {
		p.buildIDReader = r
	}
}

// WithLogger sets the structured logger used for per-record tracing
// and the end-of-pass statistics summary. The zero value disables
// logging.
func WithLogger(logger log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}
