// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package syncerr

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(500, "no identity map row for %s", "/plant/f1")
	if got := err.Error(); got != "no identity map row for /plant/f1" {
		t.Errorf("Error() = %q", got)
	}
	if err.Status != 500 {
		t.Errorf("Status = %d, want 500", err.Status)
	}
}

func TestErrorsAs(t *testing.T) {
	var wrapped error = New(400, "base URL not set")

	var serr *Error
	if !errors.As(wrapped, &serr) {
		t.Fatal("errors.As failed to unwrap *Error")
	}
	if serr.Status != 400 {
		t.Errorf("Status = %d, want 400", serr.Status)
	}
}
