// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package pathmap translates remote hierarchical paths into local ones,
// applying the domain's ID prefixing rules and memoizing results in the
// identity map.
package pathmap

import (
	"net/http"
	"strings"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/soup"
	"github.com/arbormap/arbormap/internal/syncerr"
)

// Parent returns the path with its terminal segment removed.
func Parent(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// ID returns the terminal segment of a path.
func ID(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// IsRoot reports whether the path denotes a repository root.
// Roots have at most one segment below the leading slash.
func IsRoot(path string) bool {
	return len(strings.Split(path, "/")) <= 2
}

// Translator converts one domain's remote paths to local paths.
// Construct one per run; it is not safe for concurrent use.
type Translator struct {
	domain    *config.DomainConfig
	soup      *soup.Handler
	localRoot string
}

// New creates a translator rooted at the local repository's root segment
// (e.g. "app" for local paths like /app/clients/c1).
func New(domain *config.DomainConfig, handler *soup.Handler, localRoot string) *Translator {
	return &Translator{
		domain:    domain,
		soup:      handler,
		localRoot: strings.Trim(localRoot, "/"),
	}
}

// LocalRootPath returns the local repository root path.
func (t *Translator) LocalRootPath() string {
	return "/" + t.localRoot
}

// rewriteRoot replaces the root segment of a remote path with the local
// root segment.
func (t *Translator) rewriteRoot(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segments) == 0 {
		return t.LocalRootPath()
	}
	segments[0] = t.localRoot
	return "/" + strings.Join(segments, "/")
}

// Translate converts a remote path to its local counterpart.
//
// Without configured prefixes this is a pure namespace rewrite. With
// prefixes the translation recurses on the parent and memoizes the
// result in the identity map's local_path column, so repeated runs
// always produce the same local path. A remote path with no identity
// map row is an invariant violation: the fetch stage guarantees
// ancestor completeness.
func (t *Translator) Translate(remotePath string) (string, error) {
	if IsRoot(remotePath) {
		return t.LocalRootPath(), nil
	}

	if t.domain.RemotePrefix == "" && t.domain.LocalPrefix == "" {
		return t.rewriteRoot(remotePath), nil
	}

	rec, err := t.soup.FindUnique(soup.ByRemotePath, remotePath)
	if err == soup.ErrNotFound {
		return "", syncerr.New(http.StatusInternalServerError, "no identity map record for remote path %q", remotePath)
	}
	if err != nil {
		return "", err
	}
	if rec.LocalPath != "" {
		return rec.LocalPath, nil
	}

	parentLocal, err := t.Translate(Parent(remotePath))
	if err != nil {
		return "", err
	}

	localPath := parentLocal + "/" + t.LocalID(rec.PortalType, ID(remotePath))

	if err := t.soup.UpdateByRemotePath(remotePath, soup.Update{LocalPath: soup.String(localPath)}); err != nil {
		return "", err
	}
	return localPath, nil
}

// LocalID computes the local object id for a remote id of the given
// portal type: the local prefix is stripped first so content echoed back
// by a peer does not accumulate this instance's own prefix, then the
// remote prefix is applied to prefixable types.
func (t *Translator) LocalID(portalType, remoteID string) string {
	id := remoteID
	if t.domain.LocalPrefix != "" {
		id = strings.TrimPrefix(id, t.domain.LocalPrefix)
	}
	if t.domain.IsPrefixable(portalType) {
		return t.domain.RemotePrefix + id
	}
	return id
}
