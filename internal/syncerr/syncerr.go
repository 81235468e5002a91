// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package syncerr defines the distinguished error type used for sync
// invariant violations.
//
// Almost every failure in the sync engine is soft: transport errors become
// empty results, per-object failures become ObjectResult values. The two
// exceptions are invariant violations - a remote client with no base URL,
// and a path translation that cannot find an identity-map row the fetch
// stage guaranteed to exist. Those carry an HTTP-like status code and are
// expected to abort the current run segment loudly.
package syncerr

import "fmt"

// Error is a sync invariant violation carrying an HTTP-like status code.
type Error struct {
	// Status is an HTTP-like status code (500 for internal invariant
	// violations, 400 for caller misuse).
	Status int

	// Message is the human-readable description.
	Message string
}

// New creates a new invariant violation error.
func New(status int, format string, args ...interface{}) *Error {
	return &Error{
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
