// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build version information for scuttle
// binaries and the bridge.
//
// Version information is injected at build time via -ldflags, for
// example:
//
//	go build -ldflags "-X github.com/bureau-foundation/scuttle/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without ldflags, the commit falls back to the VCS information the go
// tool stamps into the binary.
package version
