// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	log "github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testOptions() *CommonOptions {
	return NewCommonOptions(
		WithContext(context.Background()),
		WithLogger(log.New(log.ConsoleWriter{Out: os.Stderr})),
	)
}

func TestNewRootCmdStructure(t *testing.T) {
	cmd := NewRootCmd(testOptions())

	require.Equal(t, "permap [flags] <perf.data>", cmd.Use)
	require.Contains(t, cmd.Short, "normalizes")
	require.True(t, cmd.DisableAutoGenTag)
	require.False(t, cmd.HasSubCommands())
}

func TestRootCmdFlags(t *testing.T) {
	cmd := NewRootCmd(testOptions())

	for _, tt := range []struct {
		name     string
		defValue string
	}{
		{"remap", "false"},
		{"discard-unused-events", "false"},
		{"sort-events-by-time", "false"},
		{"deduce-huge-page-mappings", "false"},
		{"combine-mappings", "false"},
		{"read-missing-build-ids", "false"},
		{"allow-unaligned-jit-mappings", "false"},
		{"sample-mapping-percentage-threshold", "0"},
		{"print-samples", "false"},
	} {
		flag := cmd.Flags().Lookup(tt.name)
		require.NotNil(t, flag, "flag %q not registered", tt.name)
		require.Equal(t, tt.defValue, flag.DefValue, "flag %q", tt.name)
	}

	logLevel := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, logLevel)
	require.Equal(t, "info", logLevel.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
}

func TestRootCmdRejectsWrongArgCount(t *testing.T) {
	cmd := NewRootCmd(testOptions())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
}

func TestRootCmdHelp(t *testing.T) {
	cmd := NewRootCmd(testOptions())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "permap")
	require.Contains(t, out.String(), "--remap")
}
