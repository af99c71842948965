package permission

import (
	"testing"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required string
		want     bool
	}{
		{"wildcard covers namespace", []string{"bookmarks.*"}, "bookmarks.create", true},
		{"wildcard covers delete", []string{"bookmarks.*"}, "bookmarks.delete", true},
		{"exact match", []string{"bookmarks.create"}, "bookmarks.create", true},
		{"different action", []string{"bookmarks.create"}, "bookmarks.delete", false},
		{"wildcard other namespace", []string{"bookmarks.*"}, "tags.create", false},
		{"namespace prefix is not a wildcard", []string{"tab.*"}, "tab_groups.read", false},
		{"nested capability under wildcard", []string{"user.*"}, "user.preferences.read", true},
		{"empty grants", nil, "user.read", false},
		{"second grant matches", []string{"tags.read", "user.read"}, "user.read", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasPermission(tt.granted, tt.required); got != tt.want {
				t.Errorf("HasPermission(%v, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	valid := []string{"bookmarks.read", "tab_groups.*", "user.preferences.read", "ai.suggest"}
	invalid := []string{"", "*", "bookmarks", "bookmarks.", "Bookmarks.read", "bookmarks.*.read", ".read", "bookmarks read"}

	for _, p := range valid {
		if !IsValid(p) {
			t.Errorf("IsValid(%q) = false, want true", p)
		}
	}
	for _, p := range invalid {
		if IsValid(p) {
			t.Errorf("IsValid(%q) = true, want false", p)
		}
	}
}

func TestNormalize(t *testing.T) {
	out, _, ok := Normalize([]string{" bookmarks.read ", "tags.read", "bookmarks.read"})
	if !ok {
		t.Fatal("expected valid input")
	}
	if len(out) != 2 || out[0] != "bookmarks.read" || out[1] != "tags.read" {
		t.Errorf("Normalize = %v", out)
	}

	_, bad, ok := Normalize([]string{"tags.read", "drop table"})
	if ok || bad != "drop table" {
		t.Errorf("expected invalid entry to be reported, got ok=%v bad=%q", ok, bad)
	}
}

func TestExpandTemplates(t *testing.T) {
	ro, ok := Expand(TemplateReadOnly)
	if !ok {
		t.Fatal("READ_ONLY missing")
	}
	if len(ro) != 3 || !HasPermission(ro, UserRead) || HasPermission(ro, BookmarksCreate) {
		t.Errorf("READ_ONLY = %v", ro)
	}

	basic, _ := Expand(TemplateBasic)
	if !HasPermission(basic, TagsAssign) || HasPermission(basic, BookmarksDelete) {
		t.Errorf("BASIC = %v", basic)
	}

	full, _ := Expand(TemplateFull)
	for _, p := range []string{BookmarksDelete, TagsUpdate, TabGroupsCreate, AISuggest, UserRead} {
		if !HasPermission(full, p) {
			t.Errorf("FULL should grant %s", p)
		}
	}

	if _, ok := Expand("ADMIN"); ok {
		t.Error("unknown template should not expand")
	}
}

func TestExpandReturnsCopy(t *testing.T) {
	a, _ := Expand(TemplateFull)
	a[0] = "mutated.value"
	b, _ := Expand(TemplateFull)
	if b[0] == "mutated.value" {
		t.Error("Expand must not expose the shared template slice")
	}
}

func TestTemplatesSorted(t *testing.T) {
	ts := Templates()
	if len(ts) != 3 {
		t.Fatalf("expected 3 templates, got %d", len(ts))
	}
	if ts[0].Name != TemplateBasic || ts[1].Name != TemplateFull || ts[2].Name != TemplateReadOnly {
		t.Errorf("unexpected order: %s, %s, %s", ts[0].Name, ts[1].Name, ts[2].Name)
	}
}
