// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package normalize

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"syscall"
)

// BuildIDReader resolves build ids for DSOs referenced by a profile.
// It is the normalizer's only external-I/O collaborator; a pipeline
// uses it exclusively in the post-pass build-id filler, after the
// main pass has finished resolving samples.
type BuildIDReader interface {
	// ReadModuleBuildID returns the hex-encoded build id for a
	// bracketed module name such as "[kernel.kallsyms]", if one is
	// known.
	ReadModuleBuildID(moduleName string) (buildID string, ok bool)

	// ReadELFBuildIDIfSameInode opens path and returns its
	// NT_GNU_BUILD_ID note, hex-encoded. If hasDevIno is set and maj/min are
	// nonzero, the file is stat'd first and the read is skipped (ok
	// == false) on an inode mismatch, guarding against a path that
	// has since been reused for a different file.
	ReadELFBuildIDIfSameInode(path string, maj, min uint32, ino uint64, hasDevIno bool) (buildID string, ok bool)
}

// filesystemBuildIDReader is the default BuildIDReader: it reads
// build ids directly from ELF files visible to this process. It has
// no access to perf's kernel-module build-id database, so
// ReadModuleBuildID always reports not-found; callers that need
// module build ids must supply their own BuildIDReader.
type filesystemBuildIDReader struct{}

// NewFilesystemBuildIDReader returns the default, filesystem-backed
// BuildIDReader.
func NewFilesystemBuildIDReader() BuildIDReader {
	return filesystemBuildIDReader{}
}

func (filesystemBuildIDReader) ReadModuleBuildID(moduleName string) (string, bool) {
	return "", false
}

func (filesystemBuildIDReader) ReadELFBuildIDIfSameInode(path string, maj, min uint32, ino uint64, hasDevIno bool) (string, bool) {
	if hasDevIno && maj != 0 && min != 0 {
		st, err := os.Stat(path)
		if err != nil {
			return "", false
		}
		if !sameInode(st, ino) {
			return "", false
		}
	}
	return readELFBuildID(path)
}

func readELFBuildID(path string) (string, bool) {
	f, err := elf.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", false
	}
	data, err := sec.Data()
	if err != nil {
		return "", false
	}
	return parseGNUBuildIDNote(data)
}

const noteTypeGNUBuildID = 3

// parseGNUBuildIDNote walks an ELF note section looking for a
// NT_GNU_BUILD_ID ("GNU", type 3) entry, per the ELF note format
// documented in elf(5): namesz, descsz, type, name (padded to 4
// bytes), desc (padded to 4 bytes).
func parseGNUBuildIDNote(data []byte) (string, bool) {
	for len(data) >= 12 {
		nameSize := binary.LittleEndian.Uint32(data[0:4])
		descSize := binary.LittleEndian.Uint32(data[4:8])
		noteType := binary.LittleEndian.Uint32(data[8:12])

		nameStart := 12
		nameEnd := nameStart + align4(nameSize)
		if nameEnd > len(data) {
			break
		}
		name := bytes.TrimRight(data[nameStart:nameStart+int(nameSize)], "\x00")

		descStart := nameEnd
		descEnd := descStart + align4(descSize)
		if descEnd > len(data) {
			break
		}
		desc := data[descStart : descStart+int(descSize)]

		if noteType == noteTypeGNUBuildID && string(name) == "GNU" {
			return hex.EncodeToString(desc), true
		}
		data = data[descEnd:]
	}
	return "", false
}

func align4(n uint32) int {
	return int((n + 3) &^ 3)
}

func sameInode(st os.FileInfo, ino uint64) bool {
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	return uint64(sys.Ino) == ino
}

func moduleName(filename string) (string, bool) {
	if len(filename) >= 2 && filename[0] == '[' && filename[len(filename)-1] == ']' {
		return filename, true
	}
	return "", false
}

// buildIDSearchPath formats the /proc/<tid>/root-relative path used
// when probing for a DSO from inside a specific thread's mount
// namespace.
func buildIDSearchPath(tid int, filename string) string {
	return fmt.Sprintf("/proc/%d/root%s", tid, filename)
}
