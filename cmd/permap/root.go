// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd builds the permap command: a single command (permap
// doesn't need subcommands the way a daemon-style tool like xcover
// does) that normalizes one perf.data file and reports what it found.
func NewRootCmd(opts *CommonOptions) *cobra.Command {
	o := &Options{CommonOptions: opts}
	vpr := viper.New()

	cmd := &cobra.Command{
		Use:   "permap [flags] <perf.data>",
		Short: "permap normalizes a perf.data record stream against its memory maps",
		Long: `permap resolves every instruction pointer, data address, callchain
entry, and branch-stack endpoint in a perf.data profile against the
memory mapping that was in effect for its process at the time, and
reports how much of the profile resolved.`,
		Args:              cobra.ExactArgs(1),
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.inputPath = args[0]
			if err := bindConfig(cmd, vpr, o); err != nil {
				return errors.Wrap(err, "loading configuration")
			}
			return o.Run(cmd, args)
		},
	}

	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "path to an optional YAML/TOML/JSON config file pinning a normalization policy")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.Flags().BoolVar(&o.doRemap, "remap", false, "rewrite resolved addresses through a synthetic address space")
	cmd.Flags().BoolVar(&o.discardUnusedEvents, "discard-unused-events", false, "drop MMAP events with zero resolved samples after processing")
	cmd.Flags().BoolVar(&o.sortEventsByTime, "sort-events-by-time", false, "stably sort events by timestamp before normalizing")
	cmd.Flags().BoolVar(&o.deduceHugePageMappings, "deduce-huge-page-mappings", false, "merge anonymous huge-page mappings into preceding file-backed mappings")
	cmd.Flags().BoolVar(&o.combineMappings, "combine-mappings", false, "coalesce contiguous file-backed mappings of the same file")
	cmd.Flags().BoolVar(&o.readMissingBuildIDs, "read-missing-build-ids", false, "fill in missing DSO build ids from the local filesystem after processing")
	cmd.Flags().BoolVar(&o.allowUnalignedJITMappings, "allow-unaligned-jit-mappings", false, `exempt mappings whose filename contains "jitted-" from the remap alignment check`)
	cmd.Flags().Float64Var(&o.sampleMappingPercentageThreshold, "sample-mapping-percentage-threshold", 0, "fail if fewer than this percentage of samples fully resolve")
	cmd.Flags().BoolVar(&o.printSamples, "print-samples", false, "print every resolved sample to stdout, not just the summary")

	return cmd
}

// bindConfig layers the optional config file and any environment
// variables under the flags the user actually passed, following the
// precedence order flags > env > config file > defaults.
func bindConfig(cmd *cobra.Command, vpr *viper.Viper, o *Options) error {
	vpr.SetEnvPrefix("PERMAP")
	vpr.AutomaticEnv()

	if o.configPath != "" {
		vpr.SetConfigFile(o.configPath)
		if err := vpr.ReadInConfig(); err != nil {
			return err
		}
	}
	if err := vpr.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if !cmd.Flags().Changed("remap") {
		o.doRemap = vpr.GetBool("remap")
	}
	if !cmd.Flags().Changed("discard-unused-events") {
		o.discardUnusedEvents = vpr.GetBool("discard-unused-events")
	}
	if !cmd.Flags().Changed("sort-events-by-time") {
		o.sortEventsByTime = vpr.GetBool("sort-events-by-time")
	}
	if !cmd.Flags().Changed("deduce-huge-page-mappings") {
		o.deduceHugePageMappings = vpr.GetBool("deduce-huge-page-mappings")
	}
	if !cmd.Flags().Changed("combine-mappings") {
		o.combineMappings = vpr.GetBool("combine-mappings")
	}
	if !cmd.Flags().Changed("read-missing-build-ids") {
		o.readMissingBuildIDs = vpr.GetBool("read-missing-build-ids")
	}
	if !cmd.Flags().Changed("allow-unaligned-jit-mappings") {
		o.allowUnalignedJITMappings = vpr.GetBool("allow-unaligned-jit-mappings")
	}
	if !cmd.Flags().Changed("sample-mapping-percentage-threshold") && vpr.IsSet("sample-mapping-percentage-threshold") {
		o.sampleMappingPercentageThreshold = vpr.GetFloat64("sample-mapping-percentage-threshold")
	}
	return nil
}

// Execute builds the root command (which has no subcommands), wires
// in signal-driven cancellation and a console logger, and runs it. It
// is called by main.main; it only needs to run once.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	go func() {
		<-ctx.Done()
		logger.Info().Msg("terminating...")
		cancel()
	}()

	opts := NewCommonOptions(
		WithContext(ctx),
		WithLogger(logger),
	)

	if err := NewRootCmd(opts).Execute(); err != nil {
		os.Exit(1)
	}
}
