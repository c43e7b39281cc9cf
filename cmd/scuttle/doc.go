// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// scuttle is the command-line client of scuttle-node. Run
// "scuttle --help" for the command list.
package main
