// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/permap/permap/normalize"
	"github.com/permap/permap/perffile"
)

// Run opens o.inputPath, runs it through a normalize.Pipeline
// configured from o's flags, and reports the result.
func (o *Options) Run(_ *cobra.Command, _ []string) error {
	logLevel, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", o.logLevel)
	}
	o.Logger = o.Logger.Level(logLevel)

	f, err := perffile.Open(o.inputPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", o.inputPath)
	}
	defer f.Close()

	records, err := f.Records().ReadAll()
	if err != nil {
		return errors.Wrapf(err, "reading records from %s", o.inputPath)
	}

	handler := &reportHandler{verbose: o.printSamples}
	pipeline := normalize.New(handler,
		normalize.WithRemap(o.doRemap),
		normalize.WithDiscardUnusedEvents(o.discardUnusedEvents),
		normalize.WithSortEventsByTime(o.sortEventsByTime),
		normalize.WithDeduceHugePageMappings(o.deduceHugePageMappings),
		normalize.WithCombineMappings(o.combineMappings),
		normalize.WithReadMissingBuildIDs(o.readMissingBuildIDs),
		normalize.WithAllowUnalignedJITMappings(o.allowUnalignedJITMappings),
		normalize.WithSampleMappingPercentageThreshold(o.sampleMappingPercentageThreshold),
		normalize.WithFileBuildIDs(f.FilenamesToBuildIDs()),
		normalize.WithLogger(o.Logger),
	)

	_, stats, err := pipeline.Process(records)
	if err != nil {
		return errors.Wrap(err, "normalizing")
	}

	o.printSummary(stats, handler)
	return nil
}

func (o *Options) printSummary(stats normalize.Stats, h *reportHandler) {
	fmt.Printf("%s:\n", o.inputPath)
	fmt.Printf("  mmap events:    %d (delivered %d)\n", stats.NumMmapEvents, h.mmaps)
	fmt.Printf("  comm events:    %d (delivered %d)\n", stats.NumCommEvents, h.comms)
	fmt.Printf("  fork events:    %d\n", stats.NumForkEvents)
	fmt.Printf("  exit events:    %d\n", stats.NumExitEvents)
	fmt.Printf("  sample events:  %d (delivered %d, mapped %d)\n", stats.NumSampleEvents, h.samples, stats.NumSampleEventsMapped)
	if stats.NumSampleEvents > 0 {
		fmt.Printf("  mapped:         %.2f%%\n", float64(stats.NumSampleEventsMapped)/float64(stats.NumSampleEvents)*100)
	}
	if stats.NumDataSampleEvents > 0 {
		fmt.Printf("  data samples:   %d (mapped %d)\n", stats.NumDataSampleEvents, stats.NumDataSampleEventsMapped)
	}
	fmt.Printf("  remapped:       %v\n", stats.DidRemap)
}
