// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procstate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permap/permap/procstate"
)

func TestPidTid_PackUnpackRoundTrip(t *testing.T) {
	pt := procstate.PidTid{PID: 4242, TID: 4243}
	got := procstate.Unpack(pt.Pack())
	require.Equal(t, pt, got)
}

func TestPidTid_PackUnpackNegativePID(t *testing.T) {
	pt := procstate.PidTid{PID: procstate.KernelPID, TID: 17}
	got := procstate.Unpack(pt.Pack())
	require.Equal(t, pt, got)
}

func TestProcessTable_GetOrCreate_NoParentIsEmpty(t *testing.T) {
	pt := procstate.New(4096)
	m, created := pt.GetOrCreate(100, 0, false)
	require.True(t, created)
	require.NotNil(t, m)

	m2, created2 := pt.GetOrCreate(100, 0, false)
	require.False(t, created2)
	require.Same(t, m, m2)
}

func TestProcessTable_GetOrCreate_ClonesParent(t *testing.T) {
	pt := procstate.New(4096)
	parent, _ := pt.GetOrCreate(1, 0, false)
	require.NoError(t, parent.MapWithID(0x1000, 0x1000, 1, 0, false, false))

	child, created := pt.GetOrCreate(2, 1, true)
	require.True(t, created)
	_, _, ok := child.GetMappedAddress(0x1000)
	require.True(t, ok, "child mapper should inherit the parent's regions")
}

func TestProcessTable_GetOrCreate_FallsBackToKernel(t *testing.T) {
	pt := procstate.New(4096)
	kernel := pt.Kernel()
	require.NoError(t, kernel.MapWithID(0xffffffff81000000, 0x1000, 1, 0, false, false))

	// No parent known for pid 50 (e.g. swapper->init style fork with
	// a pid we never saw a mapper for); falls back to the kernel.
	child, created := pt.GetOrCreate(50, 7, true)
	require.True(t, created)
	_, _, ok := child.GetMappedAddress(0xffffffff81000000)
	require.True(t, ok)
}

func TestCommandTable_SetAndLookup(t *testing.T) {
	ct := procstate.NewCommandTable()
	ct.Set(10, 10, "myprogram")
	name, ok := ct.Lookup(10, 10)
	require.True(t, ok)
	require.Equal(t, "myprogram", name)

	_, ok = ct.Lookup(99, 99)
	require.False(t, ok)
}

func TestCommandTable_Fork_PropagatesParentComm(t *testing.T) {
	ct := procstate.NewCommandTable()
	ct.Set(10, 10, "myprogram")
	ct.Fork(10, 20)

	name, ok := ct.Lookup(20, 20)
	require.True(t, ok)
	require.Equal(t, "myprogram", name)
}

func TestCommandTable_Fork_UnknownParentIsNotAnError(t *testing.T) {
	ct := procstate.NewCommandTable()
	ct.Fork(10, 20)
	_, ok := ct.Lookup(20, 20)
	require.False(t, ok)
}

func TestDsoRegistry_GetOrCreate_IsIdempotent(t *testing.T) {
	d := procstate.NewDsoRegistry()
	a := d.GetOrCreate("/bin/myprogram")
	b := d.GetOrCreate("/bin/myprogram")
	require.Same(t, a, b)
}

func TestDsoRegistry_MarkHit_RecordsThread(t *testing.T) {
	d := procstate.NewDsoRegistry()
	info := d.GetOrCreate("/bin/myprogram")
	require.False(t, info.Hit)

	d.MarkHit(info, 100, 100)
	require.True(t, info.Hit)

	pt := procstate.PidTid{PID: 100, TID: 100}
	_, ok := info.Threads[pt.Pack()]
	require.True(t, ok)
}
