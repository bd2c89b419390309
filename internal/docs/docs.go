// Package docs holds the content rules for synced documentation pages.
package docs

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// MarkdownExtensions are the recognized Markdown file extensions
var MarkdownExtensions = []string{
	".md",
	".markdown",
}

const frontmatterDelimiter = "---"

// IsMarkdown returns true if the file has a Markdown extension
func IsMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, valid := range MarkdownExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// MatchPattern matches the base name of a slash-separated path against a
// glob pattern.
func MatchPattern(pattern, name string) bool {
	ok, err := path.Match(pattern, path.Base(name))
	return err == nil && ok
}

// TitleFromFilename derives a page title from a file name,
// e.g. getting_started.md -> Getting Started
func TitleFromFilename(name string) string {
	base := path.Base(filepath.ToSlash(name))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return cases.Title(language.English).String(base)
}

// HasFrontmatter reports whether content starts with a YAML frontmatter block
func HasFrontmatter(content []byte) bool {
	return bytes.HasPrefix(content, []byte(frontmatterDelimiter))
}

type frontmatter struct {
	Title string `yaml:"title"`
}

// EnsureFrontmatter prepends a frontmatter block with a title derived from
// name when content has none. Content that already has frontmatter, and
// non-Markdown files, are returned unchanged.
func EnsureFrontmatter(name string, content []byte) ([]byte, error) {
	if !IsMarkdown(name) || HasFrontmatter(content) {
		return content, nil
	}

	header, err := yaml.Marshal(frontmatter{Title: TitleFromFilename(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter for %s: %w", name, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + len(content) + 10)
	buf.WriteString(frontmatterDelimiter + "\n")
	buf.Write(header)
	buf.WriteString(frontmatterDelimiter + "\n\n")
	buf.Write(content)
	return buf.Bytes(), nil
}

// DiscoverFiles lists the regular files directly inside dir whose names match
// pattern. Hidden files (names starting with ".") are skipped. A missing dir
// yields no files. Names are returned sorted.
func DiscoverFiles(fsys afero.Fs, dir, pattern string) ([]string, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Mode().IsRegular() {
			continue
		}
		if MatchPattern(pattern, name) {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names, nil
}
