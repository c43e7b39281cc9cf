// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// scuttle-node runs a feed node as a daemon. It opens the repository
// named in the configuration, replicates with peers over TCP, and
// serves the node's operations on the control socket for the scuttle
// CLI.
//
// Configuration comes from --config or $SCUTTLE_CONFIG; the --listen
// and --log-level flags override the file. SIGINT or SIGTERM
// closes the node cleanly.
package main
