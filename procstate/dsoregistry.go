// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procstate

// DsoInfo describes one dynamic shared object (or the kernel image, or
// the main executable) as referenced by one or more mappings.
type DsoInfo struct {
	Filename string

	// HasDevIno is true if Maj/Min/Ino came from an MMAP2 record.
	HasDevIno     bool
	Maj, Min      uint32
	Ino           uint64
	InoGeneration uint64

	// Hit is set the first time a sample resolves into a mapping
	// backed by this DSO. It gates the (optional) build-id lookup: a
	// DSO nothing ever samples isn't worth opening.
	Hit bool

	// Threads is the set of packed PidTid values (see PidTid.Pack)
	// that have sampled into this DSO.
	Threads map[uint64]struct{}

	// BuildID is filled in by the build-id filler after the main
	// pass: from the file's own build-id table for any DSO listed
	// there, and otherwise, if Hit, from a filesystem lookup of
	// Filename.
	BuildID []byte
}

// DsoRegistry interns DsoInfo records by filename.
type DsoRegistry struct {
	byFilename map[string]*DsoInfo
}

// NewDsoRegistry returns an empty DsoRegistry.
func NewDsoRegistry() *DsoRegistry {
	return &DsoRegistry{byFilename: make(map[string]*DsoInfo)}
}

// GetOrCreate returns the DsoInfo for filename, creating it if this is
// the first mapping seen for that name.
func (d *DsoRegistry) GetOrCreate(filename string) *DsoInfo {
	info, ok := d.byFilename[filename]
	if ok {
		return info
	}
	info = &DsoInfo{
		Filename: filename,
		Threads:  make(map[uint64]struct{}),
	}
	d.byFilename[filename] = info
	return info
}

// MarkHit records that (pid,tid) sampled into info's mapping.
func (d *DsoRegistry) MarkHit(info *DsoInfo, pid, tid int) {
	info.Hit = true
	info.Threads[PidTid{pid, tid}.Pack()] = struct{}{}
}

// All returns every registered DsoInfo, in no particular order.
func (d *DsoRegistry) All() []*DsoInfo {
	out := make([]*DsoInfo, 0, len(d.byFilename))
	for _, info := range d.byFilename {
		out = append(out, info)
	}
	return out
}

// Lookup returns the DsoInfo for filename without creating one.
func (d *DsoRegistry) Lookup(filename string) (*DsoInfo, bool) {
	info, ok := d.byFilename[filename]
	return info, ok
}
