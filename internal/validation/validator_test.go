// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package validation

import (
	"strings"
	"testing"
)

type syncRequest struct {
	Domain string `validate:"required"`
	Step   string `validate:"oneof=fetch import update complement"`
	Limit  int    `validate:"min=1,max=1000"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct passes", func(t *testing.T) {
		req := syncRequest{Domain: "lab", Step: "fetch", Limit: 100}
		if err := ValidateStruct(&req); err != nil {
			t.Errorf("ValidateStruct() = %v, want nil", err)
		}
	})

	t.Run("missing required field", func(t *testing.T) {
		req := syncRequest{Step: "fetch", Limit: 100}
		err := ValidateStruct(&req)
		if err == nil {
			t.Fatal("ValidateStruct() = nil, want error")
		}
		if len(err.Errors()) != 1 {
			t.Fatalf("Errors() has %d entries, want 1", len(err.Errors()))
		}
		if got := err.Errors()[0].Field(); got != "Domain" {
			t.Errorf("Field() = %q, want Domain", got)
		}
		if !strings.Contains(err.Error(), "Domain is required") {
			t.Errorf("Error() = %q, want required message", err.Error())
		}
	})

	t.Run("oneof violation", func(t *testing.T) {
		req := syncRequest{Domain: "lab", Step: "bogus", Limit: 100}
		err := ValidateStruct(&req)
		if err == nil {
			t.Fatal("ValidateStruct() = nil, want error")
		}
		if !strings.Contains(err.Error(), "must be one of") {
			t.Errorf("Error() = %q, want oneof message", err.Error())
		}
	})

	t.Run("multiple errors collected", func(t *testing.T) {
		req := syncRequest{Limit: 5000}
		err := ValidateStruct(&req)
		if err == nil {
			t.Fatal("ValidateStruct() = nil, want error")
		}
		if len(err.Errors()) != 3 {
			t.Errorf("Errors() has %d entries, want 3", len(err.Errors()))
		}
	})
}

func TestToAPIError(t *testing.T) {
	t.Run("single error carries field details", func(t *testing.T) {
		req := syncRequest{Step: "fetch", Limit: 1}
		apiErr := ValidateStruct(&req).ToAPIError()
		if apiErr.Code != "VALIDATION_ERROR" {
			t.Errorf("Code = %q, want VALIDATION_ERROR", apiErr.Code)
		}
		if apiErr.Details["field"] != "Domain" {
			t.Errorf("Details[field] = %v, want Domain", apiErr.Details["field"])
		}
	})

	t.Run("multiple errors listed", func(t *testing.T) {
		req := syncRequest{}
		apiErr := ValidateStruct(&req).ToAPIError()
		fields, ok := apiErr.Details["fields"].([]map[string]interface{})
		if !ok || len(fields) != 3 {
			t.Errorf("Details[fields] = %v, want 3 entries", apiErr.Details["fields"])
		}
	})
}
