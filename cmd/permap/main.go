// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command permap normalizes a perf.data profile against its memory
// maps and reports how much of it resolved.
package main

func main() {
	Execute()
}
