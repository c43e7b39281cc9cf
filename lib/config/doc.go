// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads node configuration.
//
// Daemons read YAML from a single file named by the SCUTTLE_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There are no fallbacks and no automatic file search.
//
// The file may carry development, staging and production sections
// that override base values when [Config].Environment matches.
// ${HOME}, ${SCUTTLE_REPO} and ${VAR:-default} are expanded in path
// fields after loading; nothing else is read from the environment.
//
// Embedding applications pass a JSON document instead, parsed by
// [ParseBridge]. Comments and trailing commas are tolerated.
package config
