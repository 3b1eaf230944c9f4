// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import "testing"

// TestCloneRecordSampleDeepCopiesSlices checks that cloneRecord gives
// a RecordSample its own backing arrays, so a later Next call that
// reuses and overwrites Records.recordSample's slices cannot corrupt
// a record a caller has already retained (see ReadAll).
func TestCloneRecordSampleDeepCopiesSlices(t *testing.T) {
	orig := &RecordSample{
		Callchain:   []uint64{1, 2, 3},
		BranchStack: []BranchRecord{{From: 1, To: 2}},
	}

	cloned := cloneRecord(orig).(*RecordSample)
	cloned.Callchain[0] = 0xdead
	cloned.BranchStack[0].From = 0xdead

	if orig.Callchain[0] != 1 {
		t.Errorf("cloning aliased Callchain: mutating the clone changed the original")
	}
	if orig.BranchStack[0].From != 1 {
		t.Errorf("cloning aliased BranchStack: mutating the clone changed the original")
	}
}

// TestCloneRecordMmapIsIndependent checks that cloning a RecordMmap
// returns a distinct pointer so ReadAll can safely hold onto many
// MMAP records fetched through the same reused Records field.
func TestCloneRecordMmapIsIndependent(t *testing.T) {
	orig := &RecordMmap{Addr: 0x1000, Filename: "/bin/a"}
	cloned := cloneRecord(orig).(*RecordMmap)
	if cloned == orig {
		t.Fatal("cloneRecord returned the same pointer")
	}

	cloned.Addr = 0x2000
	if orig.Addr != 0x1000 {
		t.Errorf("mutating the clone changed the original: got %#x", orig.Addr)
	}
}

// TestCloneRecordPassesThroughAlreadyFreshTypes checks that record
// types Next never reuses (RecordLost, in this case) pass through
// cloneRecord unchanged.
func TestCloneRecordPassesThroughAlreadyFreshTypes(t *testing.T) {
	orig := &RecordLost{NumLost: 3}
	if cloneRecord(orig) != Record(orig) {
		t.Errorf("cloneRecord should pass through types that are already freshly allocated per record")
	}
}
