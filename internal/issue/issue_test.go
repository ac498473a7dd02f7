// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"
	"testing"
)

// Tests in this file swap the package-level render func and must not run in parallel.

func TestGet(t *testing.T) {
	for _, id := range []Id{ConfigNotFoundId, MissingStampsId, PermissionDeniedId} {
		is := Get(id)
		if is == nil {
			t.Fatalf("Get(%d) = nil", id)
		}
		if is.Id() != id {
			t.Errorf("Get(%d).Id() = %d", id, is.Id())
		}
	}
	if Get(Id(9999)) != nil {
		t.Error("Get(unknown) should be nil")
	}
}

func TestValues_SortedAndComplete(t *testing.T) {
	vals := Values()
	if len(vals) != int(PermissionDeniedId) {
		t.Fatalf("Values() has %d issues, want %d", len(vals), PermissionDeniedId)
	}
	for i, v := range vals {
		if v.Id() != Id(i+1) {
			t.Errorf("Values()[%d].Id() = %d, want %d", i, v.Id(), i+1)
		}
		if strings.TrimSpace(string(v.MarkdownMsg())) == "" {
			t.Errorf("issue %d has no message", v.Id())
		}
	}
}

func TestIssue_LinksAreCopies(t *testing.T) {
	is := Get(ContainerEngineNotFoundId)
	links := is.ExtLinks()
	if len(links) == 0 {
		t.Fatal("expected external links")
	}
	links[0] = "mutated"
	if is.ExtLinks()[0] == "mutated" {
		t.Error("ExtLinks() must return a copy")
	}

	docs := Get(ConfigNotFoundId).DocLinks()
	if len(docs) == 0 || !strings.HasPrefix(string(docs[0]), docsBase) {
		t.Fatalf("DocLinks() = %v", docs)
	}
	docs[0] = "mutated"
	if Get(ConfigNotFoundId).DocLinks()[0] == "mutated" {
		t.Error("DocLinks() must return a copy")
	}
}

func TestIssue_Render(t *testing.T) {
	original := render
	defer func() { render = original }()

	var gotStyle string
	render = func(in, stylePath string) (string, error) {
		gotStyle = stylePath
		return in, nil
	}

	out, err := Get(LockFileTooNewId).Render("")
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if gotStyle != "auto" {
		t.Errorf("style = %q, want auto", gotStyle)
	}
	if !strings.Contains(out, "lock.json") || !strings.Contains(out, "## See also") {
		t.Errorf("unexpected render output:\n%s", out)
	}

	out, _ = Get(PermissionDeniedId).Render("dark")
	if strings.Contains(out, "See also") {
		t.Error("issues without links should not render a See also section")
	}
	if gotStyle != "dark" {
		t.Errorf("style = %q, want dark", gotStyle)
	}
}
