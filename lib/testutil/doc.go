// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the node's package tests.
// Failures call t.Fatalf; nothing here returns an error.
package testutil
