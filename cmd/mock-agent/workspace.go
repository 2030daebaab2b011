package main

import (
	"bufio"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Workspace discovery gives tool calls real paths and content to echo, so a
// mock transcript against an actual repo looks plausible.

type fileInfo struct {
	absPath string // absolute path
	relPath string // relative to working directory
}

// workspaceFiles caches the discovery walk for the life of the process.
var workspaceFiles []fileInfo

// fallbackFile stands in when the working directory has nothing usable.
var fallbackFile = fileInfo{absPath: "/workspace/example.txt", relPath: "example.txt"}

// textExtensions marks files worth reading or editing. Extensionless entries
// like .gitignore match on the full name.
var textExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".css": true, ".html": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".txt": true, ".sh": true, ".sql": true,
	".graphql": true, ".proto": true, ".xml": true, ".svg": true,
	".env": true, ".gitignore": true, ".dockerignore": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".next": true,
	"dist": true, "build": true, "bin": true, "__pycache__": true,
	".cache": true, ".turbo": true, "coverage": true,
}

const (
	maxWorkspaceFiles = 200
	maxSnippetSize    = 100 * 1024
)

func isTextFile(name string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(name))] || textExtensions[name]
}

// discoverFiles walks the working directory once and collects text files.
func discoverFiles() []fileInfo {
	if workspaceFiles != nil {
		return workspaceFiles
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil
	}

	var files []fileInfo
	_ = filepath.WalkDir(wd, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return nil
		case d.IsDir():
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		case len(files) >= maxWorkspaceFiles:
			return filepath.SkipAll
		case !isTextFile(d.Name()):
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSnippetSize {
			return nil
		}
		rel, _ := filepath.Rel(wd, path)
		files = append(files, fileInfo{absPath: path, relPath: rel})
		return nil
	})

	workspaceFiles = files
	return workspaceFiles
}

func randomFile() fileInfo {
	files := discoverFiles()
	if len(files) == 0 {
		return fallbackFile
	}
	return files[rand.Intn(len(files))]
}

// randomFileExcluding prefers a file outside the exclude set, falling back to
// any file when everything is excluded.
func randomFileExcluding(exclude map[string]bool) fileInfo {
	files := discoverFiles()
	if len(files) == 0 {
		return fallbackFile
	}
	for _, i := range rand.Perm(len(files)) {
		if !exclude[files[i].absPath] {
			return files[i]
		}
	}
	return files[rand.Intn(len(files))]
}

// randomFilePaths returns n distinct relative paths for search results.
func randomFilePaths(n int) []string {
	files := discoverFiles()
	if len(files) == 0 {
		return []string{"example.txt"}
	}
	if n > len(files) {
		n = len(files)
	}
	perm := rand.Perm(len(files))
	paths := make([]string, n)
	for i := range paths {
		paths[i] = files[perm[i]].relPath
	}
	return paths
}

// readFileSnippet reads up to maxLines lines from a file.
func readFileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "// (file not readable)\n"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}

// pickEditableFragment picks a code-looking line from the file and returns it
// as (oldString, newString) with one word swapped.
func pickEditableFragment(path string) (string, string) {
	f, err := os.Open(path)
	if err != nil {
		return "hello", "hello_mock"
	}
	defer func() { _ = f.Close() }()

	var candidates []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 10 && len(trimmed) <= 120 && utf8.ValidString(trimmed) {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return "original", "modified"
	}
	return swapWord(candidates[rand.Intn(len(candidates))])
}

// swapWord tags one word of the line with a "_mock" suffix. Lines with no
// word longer than two characters get a trailing comment instead.
func swapWord(line string) (string, string) {
	words := strings.Fields(line)
	var editable []int
	for i, w := range words {
		if len(w) > 2 {
			editable = append(editable, i)
		}
	}
	if len(editable) == 0 {
		return line, line + " // mock-edited"
	}
	idx := editable[rand.Intn(len(editable))]
	out := make([]string, len(words))
	copy(out, words)
	out[idx] = words[idx] + "_mock"
	return line, strings.Join(out, " ")
}
