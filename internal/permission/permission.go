// Package permission evaluates dotted capability strings such as
// "bookmarks.create" against the grants held by an API key.
package permission

import (
	"regexp"
	"strings"
)

// Capabilities understood by the bookmark backend.
const (
	BookmarksCreate = "bookmarks.create"
	BookmarksRead   = "bookmarks.read"
	BookmarksUpdate = "bookmarks.update"
	BookmarksDelete = "bookmarks.delete"
	BookmarksAll    = "bookmarks.*"

	TagsCreate = "tags.create"
	TagsRead   = "tags.read"
	TagsUpdate = "tags.update"
	TagsDelete = "tags.delete"
	TagsAssign = "tags.assign"
	TagsAll    = "tags.*"

	TabGroupsCreate = "tab_groups.create"
	TabGroupsRead   = "tab_groups.read"
	TabGroupsUpdate = "tab_groups.update"
	TabGroupsDelete = "tab_groups.delete"
	TabGroupsAll    = "tab_groups.*"

	AISuggest = "ai.suggest"

	UserRead            = "user.read"
	UserPreferencesRead = "user.preferences.read"
)

var capabilityRe = regexp.MustCompile(`^[a-z][a-z_]*(\.[a-z][a-z_]*)*(\.\*|\.[a-z][a-z_]*)$`)

// HasPermission reports whether any grant satisfies required. A grant ending
// in ".*" covers every capability in its namespace.
func HasPermission(granted []string, required string) bool {
	for _, g := range granted {
		if g == required {
			return true
		}
		if strings.HasSuffix(g, ".*") && strings.HasPrefix(required, strings.TrimSuffix(g, "*")) {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a well-formed capability or namespace
// wildcard, e.g. "bookmarks.read" or "tab_groups.*".
func IsValid(s string) bool {
	return capabilityRe.MatchString(s)
}

// Normalize trims, validates and de-duplicates a requested grant list while
// keeping its order. It returns the first invalid entry when one is found.
func Normalize(perms []string) (out []string, invalid string, ok bool) {
	seen := make(map[string]bool, len(perms))
	out = make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if !IsValid(p) {
			return nil, p, false
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, "", true
}
