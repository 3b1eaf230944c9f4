// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addrmap implements a per-process interval map used to
// resolve sampled instruction pointers against the mappings that were
// in effect when the sample was taken, optionally rewriting those
// addresses into a compact synthetic space so the real ones never
// leave the process.
package addrmap

import (
	"sort"

	log "github.com/rs/zerolog"
)

// A Region is a single non-overlapping mapping held by an
// AddressMapper.
type Region struct {
	Start, Len uint64
	PgOff      uint64
	ID         uint64
	IsJIT      bool

	// MappedStart is the synthetic address assigned to this region at
	// insertion time. It is always assigned; callers that do not remap
	// simply ignore it.
	MappedStart uint64
}

// End returns the exclusive end of the region, Start+Len.
func (r *Region) End() uint64 {
	return r.Start + r.Len
}

// overlaps reports whether r overlaps the half-open range [start, end).
func (r *Region) overlaps(start, end uint64) bool {
	return r.Start < end && start < r.End()
}

// AddressMapper is an ordered, non-overlapping interval store over
// 64-bit addresses belonging to a single process (or the kernel).
//
// AddressMapper is not safe for concurrent use; callers serialize
// access (see the concurrency notes on Pipeline).
type AddressMapper struct {
	pageSize  uint64
	regions   []*Region // sorted by Start, pairwise non-overlapping
	highWater uint64
}

// New returns an AddressMapper configured with the given page size.
// pageSize must be a power of two.
func New(pageSize uint64) *AddressMapper {
	return &AddressMapper{pageSize: pageSize}
}

// SetPageAlignment sets the page size used by the remapping bump
// allocator. It must be called before the first call to MapWithID.
func (m *AddressMapper) SetPageAlignment(pageSize uint64) {
	m.pageSize = pageSize
}

// indexAt returns the index of the first region whose End() is > addr.
// If the returned index is within bounds and its Start <= addr, that
// region contains addr.
func (m *AddressMapper) indexAt(addr uint64) int {
	return sort.Search(len(m.regions), func(i int) bool {
		return addr < m.regions[i].End()
	})
}

// overlapRange returns the contiguous slice range [lo, hi) of
// m.regions that overlap [start, end). Because regions are sorted and
// pairwise non-overlapping, any regions overlapping a query range
// form a contiguous run.
func (m *AddressMapper) overlapRange(start, end uint64) (lo, hi int) {
	lo = m.indexAt(start)
	hi = lo
	for hi < len(m.regions) && m.regions[hi].Start < end {
		hi++
	}
	return lo, hi
}

// MapWithID inserts the region [start, start+len) tagged with id and
// pgoff. If the region overlaps an existing one, removeExisting
// controls whether the old regions are evicted (true, matching perf's
// MMAP-supersedes-MMAP semantics) or the insertion fails (false).
//
// isJIT regions are exempt from the page-alignment bookkeeping used
// to preserve ip mod page_size across remapping; JIT mappings may be
// sub-page and unaligned.
func (m *AddressMapper) MapWithID(start, length, id, pgoff uint64, removeExisting, isJIT bool) error {
	if length == 0 {
		return ErrZeroLength
	}
	end := start + length
	if end < start {
		return ErrOverflow
	}

	lo, hi := m.overlapRange(start, end)
	if hi > lo {
		if !removeExisting {
			return ErrOverlap
		}
		m.regions = append(m.regions[:lo], m.regions[hi:]...)
	}

	mappedStart := m.nextMappedStart(start, isJIT)

	r := &Region{
		Start:       start,
		Len:         length,
		PgOff:       pgoff,
		ID:          id,
		IsJIT:       isJIT,
		MappedStart: mappedStart,
	}
	m.highWater = mappedStart + length

	// Re-find the insertion point: eviction may have shifted indices,
	// but since the evicted run is exactly where the new region goes,
	// lo is still correct.
	m.regions = append(m.regions, nil)
	copy(m.regions[lo+1:], m.regions[lo:])
	m.regions[lo] = r
	return nil
}

// nextMappedStart computes the next synthetic address for a region
// starting at the given real address, preserving start mod pageSize
// unless isJIT is set. Evicted regions' synthetic ranges are never
// reclaimed; the allocator only moves forward.
func (m *AddressMapper) nextMappedStart(start uint64, isJIT bool) uint64 {
	if isJIT || m.pageSize == 0 {
		return m.highWater
	}
	mask := m.pageSize - 1
	target := start & mask
	cur := m.highWater & mask
	if cur == target {
		return m.highWater
	}
	delta := (target - cur + m.pageSize) & mask
	if delta == 0 {
		delta = m.pageSize
	}
	return m.highWater + delta
}

// GetMappedAddress finds the unique region containing ip and returns
// its synthetic address along with a handle to the region for a
// subsequent GetMappedIDAndOffset call. ok is false if no region
// contains ip.
func (m *AddressMapper) GetMappedAddress(ip uint64) (mappedAddr uint64, region *Region, ok bool) {
	i := m.indexAt(ip)
	if i >= len(m.regions) {
		return 0, nil, false
	}
	r := m.regions[i]
	if r.Start > ip {
		return 0, nil, false
	}
	return r.MappedStart + (ip - r.Start), r, true
}

// GetMappedIDAndOffset returns the id and file offset recorded for
// the region returned by a prior GetMappedAddress call on the same
// ip.
func (m *AddressMapper) GetMappedIDAndOffset(ip uint64, region *Region) (id, fileOffset uint64) {
	return region.ID, region.PgOff + (ip - region.Start)
}

// Clone returns a deep copy of m, used to seed a forked process's
// mapper from its parent's (or the kernel's).
func (m *AddressMapper) Clone() *AddressMapper {
	c := &AddressMapper{
		pageSize:  m.pageSize,
		highWater: m.highWater,
		regions:   make([]*Region, len(m.regions)),
	}
	for i, r := range m.regions {
		cp := *r
		c.regions[i] = &cp
	}
	return c
}

// Regions returns the mapper's regions in address order. The returned
// slice is owned by the mapper and must not be mutated.
func (m *AddressMapper) Regions() []*Region {
	return m.regions
}

// DumpRegions appends the mapper's current regions to ev as an array
// field named "regions", for diagnostic logging on insertion failure.
func (m *AddressMapper) DumpRegions(ev *log.Event) *log.Event {
	arr := log.Arr()
	for _, r := range m.regions {
		arr = arr.Dict(log.Dict().
			Uint64("start", r.Start).
			Uint64("end", r.End()).
			Uint64("pgoff", r.PgOff).
			Uint64("id", r.ID).
			Bool("jit", r.IsJIT).
			Uint64("mapped_start", r.MappedStart))
	}
	return ev.Array("regions", arr)
}
