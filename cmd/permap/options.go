// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"

	log "github.com/rs/zerolog"
)

// CommonOptions holds the values every permap invocation needs
// regardless of which flags were set: a cancellation context tied to
// SIGINT/SIGTERM, and the structured logger the pipeline and the CLI
// itself report through.
type CommonOptions struct {
	Ctx    context.Context
	Logger log.Logger
}

type Option func(o *CommonOptions)

func NewCommonOptions(opts ...Option) *CommonOptions {
	o := new(CommonOptions)
	for _, f := range opts {
		f(o)
	}
	return o
}

func WithContext(ctx context.Context) Option {
	return func(o *CommonOptions) { o.Ctx = ctx }
}

func WithLogger(logger log.Logger) Option {
	return func(o *CommonOptions) { o.Logger = logger }
}

// Options holds permap's own flags, layered over CommonOptions. Every
// field here mirrors one of normalize's enumerated configuration
// knobs (see normalize.Option) plus the handful of CLI-only
// concerns: which file to read, where the optional config file lives,
// and how verbose to be.
type Options struct {
	inputPath  string
	configPath string
	logLevel   string

	doRemap                          bool
	discardUnusedEvents              bool
	sortEventsByTime                 bool
	deduceHugePageMappings           bool
	combineMappings                  bool
	readMissingBuildIDs              bool
	allowUnalignedJITMappings        bool
	sampleMappingPercentageThreshold float64

	printSamples bool

	*CommonOptions
}
