// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package normalize

import (
	"sort"

	"github.com/permap/permap/perffile"
)

// HugePageDeducer merges anonymous huge-page mappings into preceding
// file-backed mappings using perf's own conventions. The default,
// identityHugePageDeducer, performs no merging: detecting huge-page
// mappings reliably requires host-specific knowledge (e.g. the
// /proc/<pid>/smaps huge-page size) that the normalizer does not
// otherwise need, so this is left as an injection point for callers
// that have it.
type HugePageDeducer func(records []perffile.Record) []perffile.Record

// MappingCombiner coalesces contiguous file-backed mappings of the
// same file into a single mapping. The default, identityMappingCombiner,
// performs no coalescing.
type MappingCombiner func(records []perffile.Record) []perffile.Record

func identityHugePageDeducer(records []perffile.Record) []perffile.Record {
	return records
}

func identityMappingCombiner(records []perffile.Record) []perffile.Record {
	return records
}

// sortRecordsByTime stably sorts records by their common Time field.
// Records without a Time field (Format doesn't include
// SampleFormatTime) sort as if Time were 0, which preserves their
// relative order against each other and moves them to the front.
func sortRecordsByTime(records []perffile.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Common().Time < records[j].Common().Time
	})
}
