// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/permap/permap/normalize"
)

// reportHandler is permap's own normalize.Handler: it doesn't
// aggregate or symbolize anything (both are explicit non-goals), it
// just counts what came through and, if asked, prints each resolved
// callback as it arrives.
type reportHandler struct {
	verbose bool

	samples int
	comms   int
	mmaps   int
}

func (h *reportHandler) Sample(c normalize.SampleContext) {
	h.samples++
	if !h.verbose {
		return
	}
	fmt.Printf("sample pid=%d tid=%d comm=%q ip=%#x -> %s\n",
		c.Record.PID, c.Record.TID, c.Command, c.Record.IP, normalize.MappingFilename(c.SampleMapping))
}

func (h *reportHandler) Comm(c normalize.CommContext) {
	h.comms++
	if !h.verbose {
		return
	}
	fmt.Printf("comm pid=%d tid=%d comm=%q exec=%v\n", c.Record.PID, c.Record.TID, c.Record.Comm, c.IsExec)
}

func (h *reportHandler) MMap(c normalize.MMapContext) {
	h.mmaps++
	if !h.verbose {
		return
	}
	fmt.Printf("mmap pid=%d [%#x,%#x) %s\n", c.PID, c.Mapping.Start, c.Mapping.Limit, normalize.MappingFilename(c.Mapping))
}
