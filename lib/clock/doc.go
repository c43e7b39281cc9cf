// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets components take time as a dependency. Production
// code is handed Real(); tests hand in Fake() and call Advance.
//
// Tests that start a goroutine which registers a ticker should call
// WaitForTimers before Advance, otherwise the advance can race the
// registration.
package clock
