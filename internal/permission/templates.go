package permission

import "sort"

// Template names.
const (
	TemplateReadOnly = "READ_ONLY"
	TemplateBasic    = "BASIC"
	TemplateFull     = "FULL"
)

// Template is a named, fixed bundle of capabilities. Keys store the expanded
// list, so changing a template never alters keys that were already issued.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

var templates = map[string]Template{
	TemplateReadOnly: {
		Name:        TemplateReadOnly,
		Description: "Read bookmarks, tags and the user profile",
		Permissions: []string{BookmarksRead, TagsRead, UserRead},
	},
	TemplateBasic: {
		Name:        TemplateBasic,
		Description: "Create and read bookmarks and tags",
		Permissions: []string{BookmarksCreate, BookmarksRead, TagsCreate, TagsRead, TagsAssign, UserRead},
	},
	TemplateFull: {
		Name:        TemplateFull,
		Description: "Full access to bookmarks, tags, tab groups and AI suggestions",
		Permissions: []string{BookmarksAll, TagsAll, TabGroupsAll, AISuggest, UserRead},
	},
}

// Expand returns a copy of the capability list for the named template.
func Expand(name string) ([]string, bool) {
	t, ok := templates[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(t.Permissions))
	copy(out, t.Permissions)
	return out, true
}

// Templates returns every template, sorted by name.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		perms := make([]string, len(t.Permissions))
		copy(perms, t.Permissions)
		t.Permissions = perms
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
