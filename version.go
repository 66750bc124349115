// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package modcache

// ToolVersion is the modcache package's own release tag. `modcachetool
// version` prints the cache-format header, not this tag.
const ToolVersion = "1.0.0"

// RuntimeVersion, SourceBranch, and SourceCommit identify the embedding
// runtime build that produced this binary. A real embedder overrides
// these at link time (e.g. with -ldflags "-X"); the default values below are
// used by the package's own tests and the fuzz harness, which build and
// load caches within a single process and so always agree with
// themselves.
var (
	RuntimeVersion = "dev"
	SourceBranch   = "dev"
	SourceCommit   = "0000000000000000000000000000000000000000"
)
