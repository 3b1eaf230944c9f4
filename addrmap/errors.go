// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrmap

import (
	"github.com/pkg/errors"
)

var (
	// ErrZeroLength is returned by MapWithID when len == 0.
	ErrZeroLength = errors.New("addrmap: zero-length region")
	// ErrOverflow is returned by MapWithID when start+len wraps uint64.
	ErrOverflow = errors.New("addrmap: region end overflows")
	// ErrOverlap is returned by MapWithID when the new region overlaps
	// an existing one and removeExisting is false.
	ErrOverlap = errors.New("addrmap: region overlaps existing mapping")
	// ErrNotMapped describes an address that no region contains.
	// Nothing in this package returns it: GetMappedAddress reports
	// that case with ok == false.
	ErrNotMapped = errors.New("addrmap: address not mapped")
	// ErrPageOffsetMismatch describes a remapped address that does not
	// preserve ip mod page_size for a non-JIT region. Nothing in this
	// package returns it.
	ErrPageOffsetMismatch = errors.New("addrmap: remapped address breaks page alignment")
)
