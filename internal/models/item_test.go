// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestItemUnmarshalSeparatesMetadataFromFields(t *testing.T) {
	payload := `{
		"uid": "uid-1",
		"path": "/plant/clients/client-1",
		"portal_type": "Client",
		"parent_path": "/plant/clients",
		"parent_url": "https://remote/clients",
		"title": "Client One",
		"modified": "2026-02-03T10:20:30Z",
		"created": "2026-01-01T00:00:00Z",
		"api_url": "https://remote/api/uid-1",
		"tax_number": "123",
		"contact": {"uid": "uid-c1"}
	}`

	var it Item
	if err := json.Unmarshal([]byte(payload), &it); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if it.UID != "uid-1" || it.Path != "/plant/clients/client-1" || it.PortalType != "Client" {
		t.Errorf("metadata = %q/%q/%q", it.UID, it.Path, it.PortalType)
	}
	if want := time.Date(2026, 2, 3, 10, 20, 30, 0, time.UTC); !it.Modified.Equal(want) {
		t.Errorf("Modified = %v, want %v", it.Modified, want)
	}
	if it.ID() != "client-1" {
		t.Errorf("ID() = %q, want client-1", it.ID())
	}

	if len(it.Fields) != 2 {
		t.Fatalf("Fields = %v, want exactly tax_number and contact", it.Fields)
	}
	for _, meta := range []string{"uid", "path", "modified", "created", "api_url", "parent_url"} {
		if _, ok := it.Fields[meta]; ok {
			t.Errorf("metadata key %q leaked into Fields", meta)
		}
	}
	var tax string
	if err := json.Unmarshal(it.Fields["tax_number"], &tax); err != nil || tax != "123" {
		t.Errorf("tax_number = %q (err %v), want 123", tax, err)
	}
}

func TestItemUnmarshalWorkflow(t *testing.T) {
	payload := `{
		"uid": "uid-2",
		"path": "/plant/samples/s1",
		"workflow_info": [{
			"workflow": "sample_workflow",
			"review_history": [
				{"review_state": "received", "action": "receive", "actor": "lab", "time": "2026-02-01T09:00:00Z"}
			]
		}]
	}`

	var it Item
	if err := json.Unmarshal([]byte(payload), &it); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(it.WorkflowInfo) != 1 || it.WorkflowInfo[0].Workflow != "sample_workflow" {
		t.Fatalf("WorkflowInfo = %+v", it.WorkflowInfo)
	}
	entry := it.WorkflowInfo[0].ReviewHistory[0]
	if entry.State != "received" || entry.Actor != "lab" {
		t.Errorf("entry = %+v", entry)
	}
	if want := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC); !entry.Timestamp().Equal(want) {
		t.Errorf("Timestamp() = %v, want %v", entry.Timestamp(), want)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339", "2026-02-03T10:20:30Z", time.Date(2026, 2, 3, 10, 20, 30, 0, time.UTC)},
		{"no zone", "2026-02-03T10:20:30", time.Date(2026, 2, 3, 10, 20, 30, 0, time.UTC)},
		{"space separated", "2026-02-03 10:20:30", time.Date(2026, 2, 3, 10, 20, 30, 0, time.UTC)},
		{"date only", "2026-02-03", time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)},
		{"empty", "", time.Time{}},
		{"garbage", "yesterday-ish", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseTime(tt.input); !got.Equal(tt.want) {
				t.Errorf("ParseTime(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestReferenceHelpers(t *testing.T) {
	if uid, ok := AsReference(json.RawMessage(`{"uid": "uid-9"}`)); !ok || uid != "uid-9" {
		t.Errorf("AsReference = %q/%v, want uid-9/true", uid, ok)
	}
	if _, ok := AsReference(json.RawMessage(`"plain string"`)); ok {
		t.Error("AsReference accepted a scalar")
	}
	if _, ok := AsReference(json.RawMessage(`{"title": "no uid"}`)); ok {
		t.Error("AsReference accepted an object without uid")
	}

	ref, ok := AsFileRef(json.RawMessage(`{"download": "https://remote/f", "filename": "a.pdf", "content-type": "application/pdf", "size": 12}`))
	if !ok || ref.Filename != "a.pdf" || ref.Size != 12 {
		t.Errorf("AsFileRef = %+v/%v", ref, ok)
	}
	if _, ok := AsFileRef(json.RawMessage(`{"filename": "no download"}`)); ok {
		t.Error("AsFileRef accepted a value without download URL")
	}
}

func TestReferencedUIDs(t *testing.T) {
	single := json.RawMessage(`{"uid": "uid-1"}`)
	if got := ReferencedUIDs(single); len(got) != 1 || got[0] != "uid-1" {
		t.Errorf("ReferencedUIDs(single) = %v", got)
	}

	list := json.RawMessage(`[{"source_uid": "uid-a", "title": "x"}, {"uid": "uid-b"}]`)
	got := ReferencedUIDs(list)
	seen := map[string]bool{}
	for _, uid := range got {
		seen[uid] = true
	}
	if len(got) != 2 || !seen["uid-a"] || !seen["uid-b"] {
		t.Errorf("ReferencedUIDs(list) = %v, want uid-a and uid-b", got)
	}

	if got := ReferencedUIDs(json.RawMessage(`42`)); got != nil {
		t.Errorf("ReferencedUIDs(scalar) = %v, want nil", got)
	}
}

func TestRewriteReferenceList(t *testing.T) {
	raw := json.RawMessage(`[{"uid": "uid-a", "title": "keep"}, {"source_uid": "uid-b"}]`)
	out, ok := RewriteReferenceList(raw, func(uid string) string { return "local-" + uid })
	if !ok {
		t.Fatal("RewriteReferenceList rejected a reference list")
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(out, &list); err != nil {
		t.Fatalf("output did not decode: %v", err)
	}
	found := map[string]bool{}
	for _, entry := range list {
		for k, v := range entry {
			if s, isStr := v.(string); isStr {
				found[k+"="+s] = true
			}
		}
	}
	if !found["uid=local-uid-a"] || !found["source_uid=local-uid-b"] || !found["title=keep"] {
		t.Errorf("rewritten list = %s", out)
	}

	if _, ok := RewriteReferenceList(json.RawMessage(`{"uid": "not a list"}`), func(s string) string { return s }); ok {
		t.Error("RewriteReferenceList accepted a non-list value")
	}
}
