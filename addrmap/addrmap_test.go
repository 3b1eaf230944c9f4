// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permap/permap/addrmap"
)

const pageSize = 4096

func TestMapWithID_RejectsZeroLength(t *testing.T) {
	m := addrmap.New(pageSize)
	err := m.MapWithID(0x1000, 0, 1, 0, false, false)
	require.ErrorIs(t, err, addrmap.ErrZeroLength)
}

func TestMapWithID_RejectsOverflow(t *testing.T) {
	m := addrmap.New(pageSize)
	err := m.MapWithID(^uint64(0)-10, 100, 1, 0, false, false)
	require.ErrorIs(t, err, addrmap.ErrOverflow)
}

func TestMapWithID_RejectsOverlapWithoutRemoveExisting(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 1, 0, false, false))
	err := m.MapWithID(0x1800, 0x1000, 2, 0, false, false)
	require.ErrorIs(t, err, addrmap.ErrOverlap)
}

func TestMapWithID_RemovesOverlappingRegions(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 1, 0, false, false))
	require.NoError(t, m.MapWithID(0x1800, 0x1000, 2, 0, true, false))

	_, _, ok := m.GetMappedAddress(0x1100)
	require.False(t, ok, "region 1 should have been evicted")

	_, region, ok := m.GetMappedAddress(0x1900)
	require.True(t, ok)
	require.EqualValues(t, 2, region.ID)
}

func TestGetMappedAddress_PointQuery(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x2000, 0x1000, 7, 0, false, false))

	addr, region, ok := m.GetMappedAddress(0x2080)
	require.True(t, ok)
	require.NotNil(t, region)
	require.EqualValues(t, 7, region.ID)

	id, off := m.GetMappedIDAndOffset(0x2080, region)
	require.EqualValues(t, 7, id)
	require.EqualValues(t, 0x80, off)

	_ = addr
}

func TestGetMappedAddress_Unmapped(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x2000, 0x1000, 7, 0, false, false))

	_, _, ok := m.GetMappedAddress(0x4000)
	require.False(t, ok)
}

func TestRemapping_PreservesPageOffset(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x10123, 0x1000, 1, 0, false, false))

	addr, region, ok := m.GetMappedAddress(0x10123)
	require.True(t, ok)
	require.EqualValues(t, region.MappedStart, addr)
	require.Equal(t, uint64(0x10123)%pageSize, addr%pageSize,
		"remapped address must preserve ip mod page_size")
}

func TestRemapping_MappedStartsAreMonotonic(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x10000, 0x1000, 1, 0, false, false))
	require.NoError(t, m.MapWithID(0x20000, 0x1000, 2, 0, false, false))

	_, r1, _ := m.GetMappedAddress(0x10000)
	_, r2, _ := m.GetMappedAddress(0x20000)
	require.Less(t, r1.MappedStart, r2.MappedStart)
}

func TestRemapping_JITRegionsSkipAlignment(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x10000, 0x1000, 1, 0, false, false))
	require.NoError(t, m.MapWithID(0x77770123, 0x40, 2, 0, false, true))

	_, jit, ok := m.GetMappedAddress(0x77770123)
	require.True(t, ok)
	require.True(t, jit.IsJIT)
	require.Equal(t, jit.MappedStart, m.Regions()[0].MappedStart+m.Regions()[0].Len,
		"JIT region abuts the high-water mark with no alignment gap")
}

func TestEvictionDoesNotCompactSyntheticSpace(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x10000, 0x1000, 1, 0, false, false))
	_, before, _ := m.GetMappedAddress(0x10000)
	highWaterBefore := before.MappedStart + before.Len

	// Insert region 2 overlapping region 1 with removeExisting set,
	// evicting region 1; the freed synthetic range must not be reused.
	require.NoError(t, m.MapWithID(0x10800, 0x1000, 2, 0, true, false))

	_, after, ok := m.GetMappedAddress(0x10800)
	require.True(t, ok)
	require.GreaterOrEqual(t, after.MappedStart, highWaterBefore)
}

func TestClone_IsIndependentDeepCopy(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x10000, 0x1000, 1, 0, false, false))

	c := m.Clone()
	require.NoError(t, c.MapWithID(0x20000, 0x1000, 2, 0, false, false))

	_, _, ok := m.GetMappedAddress(0x20000)
	require.False(t, ok, "mutating the clone must not affect the original")

	_, _, ok = c.GetMappedAddress(0x10000)
	require.True(t, ok, "clone retains the parent's regions")
}

func TestNonOverlapInvariant_HoldsAcrossInsertions(t *testing.T) {
	m := addrmap.New(pageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 1, 0, false, false))
	require.NoError(t, m.MapWithID(0x3000, 0x1000, 2, 0, false, false))
	require.NoError(t, m.MapWithID(0x5000, 0x1000, 3, 0, false, false))

	regions := m.Regions()
	for i := 1; i < len(regions); i++ {
		require.LessOrEqual(t, regions[i-1].End(), regions[i].Start)
	}
}
