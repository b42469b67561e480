// Package paths centralizes every filesystem naming convention the agent
// uses for its artifacts: notes, screenshots and graph snapshots.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const slugMaxLen = 64

var (
	unsafeChars    = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	underscoreRuns = regexp.MustCompile(`_+`)
)

// Slug converts a human string into a filesystem-safe fragment: characters
// outside [A-Za-z0-9_-] are replaced, runs of underscores collapse, and the
// result is truncated at 64 characters.
func Slug(text string) string {
	s := unsafeChars.ReplaceAllString(text, "_")
	s = underscoreRuns.ReplaceAllString(s, "_")
	s = trimUnderscores(s)
	if s == "" {
		s = "task"
	}
	if len(s) > slugMaxLen {
		s = trimUnderscores(s[:slugMaxLen])
	}
	return s
}

func trimUnderscores(s string) string {
	for len(s) > 0 && s[0] == '_' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '_' {
		s = s[:len(s)-1]
	}
	return s
}

// Builder creates artifact paths rooted at a configured base directory,
// creating parent directories on demand.
type Builder struct {
	root string
	// now is swappable in tests.
	now func() time.Time
}

// NewBuilder returns a Builder rooted at the given directory.
func NewBuilder(root string) *Builder {
	return &Builder{root: root, now: time.Now}
}

func (b *Builder) stamp() string {
	return b.now().Format("20060102_150405")
}

func (b *Builder) ensure(dir string) (string, error) {
	full := filepath.Join(b.root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory %s: %w", full, err)
	}
	return full, nil
}

// NotePath builds temp/notes/<slug>_<timestamp>.txt for the given topic.
func (b *Builder) NotePath(topic string) (string, error) {
	dir, err := b.ensure(filepath.Join("temp", "notes"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.txt", Slug(topic), b.stamp())), nil
}

// ScreenshotPath builds temp/screenshots/<slug>_<timestamp>.png.
func (b *Builder) ScreenshotPath(topic string) (string, error) {
	dir, err := b.ensure(filepath.Join("temp", "screenshots"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.png", Slug(topic), b.stamp())), nil
}

// GraphSnapshotPath builds logs/graphs/<task_id>_<step>_<node_id>.html, the
// per-transition visualization audit trail.
func (b *Builder) GraphSnapshotPath(taskID string, step int, nodeID string) (string, error) {
	dir, err := b.ensure(filepath.Join("logs", "graphs"))
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%02d_%s.html", Slug(taskID), step, Slug(nodeID))
	return filepath.Join(dir, name), nil
}
