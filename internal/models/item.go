// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package models defines the wire types exchanged with a remote content
// repository's JSON API.
//
// Catalog listings are intentionally thin: uid, path, portal_type,
// parent_path and modified. Detail fetches (complete=true&workflow=true)
// additionally carry every field value of the object plus its workflow
// review history. Field values are kept as raw JSON because their shape is
// only known to the local repository's field schema at transfer time.
package models

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Reserved item keys that are metadata rather than object field values.
var metadataKeys = map[string]bool{
	"uid":           true,
	"path":          true,
	"url":           true,
	"api_url":       true,
	"id":            true,
	"portal_type":   true,
	"parent_path":   true,
	"parent_url":    true,
	"parent_uid":    true,
	"modified":      true,
	"created":       true,
	"workflow_info": true,
}

// Item is one object record from the remote catalog.
//
// Fields holds the raw JSON values of every non-metadata key present in the
// payload. For thin catalog listings it is empty; for detail fetches it
// carries the complete field data of the object.
type Item struct {
	UID          string
	Path         string
	PortalType   string
	ParentPath   string
	ParentURL    string
	Title        string
	Modified     time.Time
	WorkflowInfo []WorkflowInfo
	Fields       map[string]json.RawMessage
}

// itemEnvelope is the typed subset decoded before the raw field sweep.
type itemEnvelope struct {
	UID          string         `json:"uid"`
	Path         string         `json:"path"`
	PortalType   string         `json:"portal_type"`
	ParentPath   string         `json:"parent_path"`
	ParentURL    string         `json:"parent_url"`
	Title        string         `json:"title"`
	Modified     string         `json:"modified"`
	WorkflowInfo []WorkflowInfo `json:"workflow_info"`
}

// UnmarshalJSON decodes the typed metadata keys and collects every other
// key as a raw field value.
func (it *Item) UnmarshalJSON(data []byte) error {
	var env itemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	it.UID = env.UID
	it.Path = env.Path
	it.PortalType = env.PortalType
	it.ParentPath = env.ParentPath
	it.ParentURL = env.ParentURL
	it.Title = env.Title
	it.WorkflowInfo = env.WorkflowInfo
	it.Modified = ParseTime(env.Modified)

	it.Fields = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if metadataKeys[k] {
			continue
		}
		it.Fields[k] = v
	}
	return nil
}

// ID returns the terminal path segment of the item.
func (it *Item) ID() string {
	parts := strings.Split(strings.TrimRight(it.Path, "/"), "/")
	return parts[len(parts)-1]
}

// Page is one page of a paginated catalog response. Next carries the
// continuation URL of the following page, empty on the last page.
type Page struct {
	Count int    `json:"count"`
	Next  string `json:"next"`
	Items []Item `json:"items"`
}

// WorkflowInfo groups the review history recorded for one workflow
// definition bound to an object.
type WorkflowInfo struct {
	Workflow      string        `json:"workflow"`
	ReviewHistory []ReviewEntry `json:"review_history"`
}

// ReviewEntry is one workflow transition in an object's review history.
type ReviewEntry struct {
	State    string `json:"review_state"`
	Action   string `json:"action"`
	Actor    string `json:"actor"`
	Comments string `json:"comments"`
	Time     string `json:"time"`
}

// Timestamp parses the entry's time value.
func (r ReviewEntry) Timestamp() time.Time {
	return ParseTime(r.Time)
}

// RemoteUser is a user record from the remote users endpoint.
type RemoteUser struct {
	Username      string   `json:"username"`
	Email         string   `json:"email"`
	Roles         []string `json:"roles"`
	Groups        []string `json:"groups"`
	Authenticated bool     `json:"authenticated"`
}

// Version is the response of the remote version endpoint.
type Version struct {
	Version string `json:"version"`
	Date    string `json:"date"`
}

// FileRef is the shape of a file/image field value: the payload itself is
// fetched from the download URL in a secondary request.
type FileRef struct {
	Download    string `json:"download"`
	Filename    string `json:"filename"`
	ContentType string `json:"content-type"`
	Size        int64  `json:"size"`
}

// timeLayouts lists accepted remote timestamp formats, most common first.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a remote timestamp, returning the zero time when the
// value is empty or matches no known layout.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
