package docstore

import (
	"bytes"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Checkbox grammar for task documents:
//   - [ ]  incomplete task
//   - [x]  completed task
//   - [-]  skipped task (counts as resolved)
var checkboxRegex = regexp.MustCompile(`^(\s*[-*]\s+)\[( |x|X|-)\]\s+(.*)$`)

// Frontmatter represents the YAML frontmatter in task documents
type Frontmatter struct {
	Title             string `yaml:"title"`
	ResetOnCompletion bool   `yaml:"reset_on_completion"`
}

// ParseFrontmatter extracts YAML frontmatter from markdown content.
// Returns the frontmatter, remaining content, and any error.
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:]

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}

// CountTasks returns the completed (checked or skipped) and total checkbox
// counts in the content.
func CountTasks(content string) (completed, total int) {
	for _, line := range strings.Split(content, "\n") {
		matches := checkboxRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		total++
		if matches[2] != " " {
			completed++
		}
	}
	return completed, total
}

// NextIncompleteTask returns the description of the first unchecked task,
// or false if every task is checked or skipped.
func NextIncompleteTask(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		matches := checkboxRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		if matches[2] == " " {
			return strings.TrimSpace(matches[3]), true
		}
	}
	return "", false
}

// ResetCheckboxes rewrites every checked or skipped checkbox to unchecked
func ResetCheckboxes(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		matches := checkboxRegex.FindStringSubmatch(line)
		if matches == nil || matches[2] == " " {
			continue
		}
		lines[i] = matches[1] + "[ ] " + matches[3]
	}
	return strings.Join(lines, "\n")
}

// SkipRemaining marks every unchecked checkbox as skipped
func SkipRemaining(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		matches := checkboxRegex.FindStringSubmatch(line)
		if matches == nil || matches[2] != " " {
			continue
		}
		lines[i] = matches[1] + "[-] " + matches[3]
	}
	return strings.Join(lines, "\n")
}
