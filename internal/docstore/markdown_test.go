package docstore

import (
	"strings"
	"testing"
)

const sampleDoc = `---
title: Refactor auth
reset_on_completion: true
---

# Refactor auth

- [ ] extract token validation
- [x] add refresh endpoint
- [-] migrate legacy sessions
* [ ] update docs

Notes without checkboxes.
- not a checkbox
`

func TestParseFrontmatter(t *testing.T) {
	fm, rest, err := ParseFrontmatter([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if fm.Title != "Refactor auth" {
		t.Errorf("title = %q", fm.Title)
	}
	if !fm.ResetOnCompletion {
		t.Error("reset_on_completion not parsed")
	}
	if !strings.HasPrefix(string(rest), "# Refactor auth") {
		t.Errorf("remaining content starts with %q", string(rest[:20]))
	}
}

func TestParseFrontmatterAbsent(t *testing.T) {
	content := []byte("# Plain doc\n- [ ] a task\n")
	fm, rest, err := ParseFrontmatter(content)
	if err != nil {
		t.Fatal(err)
	}
	if fm.ResetOnCompletion || fm.Title != "" {
		t.Errorf("frontmatter = %+v, want zero value", fm)
	}
	if string(rest) != string(content) {
		t.Error("content altered without frontmatter")
	}
}

func TestParseFrontmatterUnterminated(t *testing.T) {
	content := []byte("---\ntitle: broken\n- [ ] task\n")
	fm, rest, err := ParseFrontmatter(content)
	if err != nil {
		t.Fatal(err)
	}
	if fm.Title != "" {
		t.Errorf("title = %q, want empty for unterminated frontmatter", fm.Title)
	}
	if string(rest) != string(content) {
		t.Error("unterminated frontmatter should leave content untouched")
	}
}

func TestParseFrontmatterInvalidYAML(t *testing.T) {
	content := []byte("---\ntitle: [unclosed\n---\n")
	if _, _, err := ParseFrontmatter(content); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestCountTasks(t *testing.T) {
	completed, total := CountTasks(sampleDoc)
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	// Checked and skipped both count as resolved
	if completed != 2 {
		t.Errorf("completed = %d, want 2", completed)
	}
}

func TestCountTasksEmpty(t *testing.T) {
	completed, total := CountTasks("# No tasks here\n")
	if completed != 0 || total != 0 {
		t.Errorf("counts = %d/%d, want 0/0", completed, total)
	}
}

func TestNextIncompleteTask(t *testing.T) {
	task, ok := NextIncompleteTask(sampleDoc)
	if !ok {
		t.Fatal("no incomplete task found")
	}
	if task != "extract token validation" {
		t.Errorf("task = %q", task)
	}

	allDone := "- [x] one\n- [-] two\n"
	if _, ok := NextIncompleteTask(allDone); ok {
		t.Error("found incomplete task in fully resolved doc")
	}
}

func TestNextIncompleteTaskUppercaseX(t *testing.T) {
	content := "- [X] shouted\n- [ ] quiet\n"
	task, ok := NextIncompleteTask(content)
	if !ok || task != "quiet" {
		t.Errorf("task = %q ok = %v, want quiet", task, ok)
	}
}

func TestResetCheckboxes(t *testing.T) {
	reset := ResetCheckboxes(sampleDoc)
	completed, total := CountTasks(reset)
	if total != 4 || completed != 0 {
		t.Errorf("counts after reset = %d/%d, want 0/4", completed, total)
	}
	// Indentation and bullet style are preserved
	if !strings.Contains(reset, "* [ ] update docs") {
		t.Error("star bullet not preserved")
	}
	if !strings.Contains(reset, "Notes without checkboxes.") {
		t.Error("non-task content lost")
	}
}

func TestSkipRemaining(t *testing.T) {
	skipped := SkipRemaining(sampleDoc)
	if _, ok := NextIncompleteTask(skipped); ok {
		t.Error("incomplete task survived SkipRemaining")
	}
	if !strings.Contains(skipped, "- [-] extract token validation") {
		t.Error("unchecked task not marked skipped")
	}
	// Already-resolved boxes stay as they were
	if !strings.Contains(skipped, "- [x] add refresh endpoint") {
		t.Error("checked task altered")
	}
}

func TestIndentedCheckboxes(t *testing.T) {
	content := "- [ ] top\n  - [ ] nested\n"
	_, total := CountTasks(content)
	if total != 2 {
		t.Errorf("total = %d, want 2 including nested", total)
	}
}
