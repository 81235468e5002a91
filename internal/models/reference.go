// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package models

import (
	"strings"

	"github.com/goccy/go-json"
)

// AsReference reports whether a raw field value is shaped as a single
// object reference ({"uid": ...}) and returns the referenced remote UID.
func AsReference(raw json.RawMessage) (string, bool) {
	var ref struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", false
	}
	if ref.UID == "" {
		return "", false
	}
	return ref.UID, true
}

// AsFileRef reports whether a raw field value is shaped as a file payload
// descriptor and returns it.
func AsFileRef(raw json.RawMessage) (*FileRef, bool) {
	var ref FileRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, false
	}
	if ref.Download == "" {
		return nil, false
	}
	return &ref, true
}

// ReferencedUIDs collects every remote UID a raw field value refers to:
// a single reference dict contributes its uid, a list of dicts contributes
// the value of every key containing "uid".
func ReferencedUIDs(raw json.RawMessage) []string {
	if uid, ok := AsReference(raw); ok {
		return []string{uid}
	}

	var list []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	var uids []string
	for _, entry := range list {
		for key, val := range entry {
			if !strings.Contains(key, "uid") {
				continue
			}
			var uid string
			if err := json.Unmarshal(val, &uid); err != nil || uid == "" {
				continue
			}
			uids = append(uids, uid)
		}
	}
	return uids
}

// RewriteReferenceList decodes a JSON array of objects and rewrites the
// value of every key containing "uid" through fn (remote UID to local UID).
// Returns false when the value is not a list of objects.
func RewriteReferenceList(raw json.RawMessage, fn func(string) string) (json.RawMessage, bool) {
	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	for _, entry := range list {
		for key, val := range entry {
			if !strings.Contains(key, "uid") {
				continue
			}
			uid, ok := val.(string)
			if !ok || uid == "" {
				continue
			}
			entry[key] = fn(uid)
		}
	}
	out, err := json.Marshal(list)
	if err != nil {
		return nil, false
	}
	return out, true
}
