// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package normalize

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnknownEventType is returned when the main pass encounters a
	// record type outside the known PERF_RECORD_* set.
	ErrUnknownEventType = errors.New("normalize: unknown event type")
	// ErrMmapInsertFailure is returned when a MMAP/MMAP2 record cannot
	// be inserted into its process's AddressMapper.
	ErrMmapInsertFailure = errors.New("normalize: mmap insert failure")
	// ErrAlignmentViolation is returned when a remapped address fails
	// to preserve its page offset for a non-JIT region.
	ErrAlignmentViolation = errors.New("normalize: remap breaks page alignment")
	// ErrMalformedBranchStack is returned when a branch-stack entry
	// follows null padding.
	ErrMalformedBranchStack = errors.New("normalize: non-null branch entry after null padding")
	// ErrInsufficientMappedSamples is returned when the fraction of
	// resolved samples falls below the configured threshold, or when
	// zero samples were seen and none were expected to be excluded.
	ErrInsufficientMappedSamples = errors.New("normalize: insufficient mapped samples")
)
