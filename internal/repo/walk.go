package repo

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
)

// DefaultMaxFileSize is the size ceiling for files handed to the chunker.
const DefaultMaxFileSize = 1 << 20

// File is one text file of a repository tree. Path is slash-separated and
// relative to the repository root.
type File struct {
	Path    string
	Content []byte
}

// Tree is the filtered content of a checkout.
type Tree struct {
	Files   []File
	Skipped int
	Errors  []error
}

// Filter decides which paths reach the chunker.
type Filter struct {
	MaxFileSize  int64
	IgnoredDirs  map[string]bool
	IgnoredFiles map[string]bool
	IgnoredExts  map[string]bool
}

// DefaultFilter returns the standard denylists with the given size ceiling.
func DefaultFilter(maxFileSize int64) Filter {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return Filter{
		MaxFileSize: maxFileSize,
		IgnoredDirs: set(
			".git", "node_modules", "venv", ".venv", "env", "__pycache__", "vendor",
			"dist", "build", "target", "out", "bin", "obj", ".idea", ".vscode",
			"coverage", ".nyc_output", ".pytest_cache", ".mypy_cache", ".tox",
			".terraform", ".gradle", ".m2", ".cache", "bower_components", "jspm_packages",
		),
		IgnoredFiles: set(
			"LICENSE", "LICENCE", "NOTICE", "PATENTS", "AUTHORS", "CONTRIBUTORS",
			"COPYING", "INSTALL", "CHANGELOG", "CHANGES", "NEWS", "HISTORY",
			".gitignore", ".gitattributes", ".gitmodules", ".editorconfig",
			"package-lock.json", "yarn.lock", "Pipfile.lock", "poetry.lock", "go.sum",
			".DS_Store", "Thumbs.db",
		),
		IgnoredExts: set(
			".jpg", ".jpeg", ".png", ".gif", ".bmp", ".svg", ".ico", ".webp",
			".mp3", ".wav", ".ogg", ".flac", ".aac",
			".mp4", ".avi", ".mov", ".wmv", ".flv", ".mkv",
			".zip", ".rar", ".7z", ".tar", ".gz", ".bz2",
			".exe", ".dll", ".so", ".dylib", ".class", ".pyc", ".pyd", ".o", ".a",
			".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
			".ttf", ".otf", ".woff", ".woff2", ".eot", ".lock",
		),
	}
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// SkipDir reports whether a directory name is excluded.
func (f Filter) SkipDir(name string) bool {
	return f.IgnoredDirs[name]
}

// SkipFile reports whether a file is excluded by name, extension or size.
func (f Filter) SkipFile(name string, size int64) bool {
	if f.IgnoredFiles[name] {
		return true
	}
	if f.IgnoredExts[strings.ToLower(filepath.Ext(name))] {
		return true
	}
	return f.MaxFileSize > 0 && size > f.MaxFileSize
}

// isBinary sniffs the head of the content for NUL bytes.
func isBinary(b []byte) bool {
	head := b
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// Walk reads every text file under root that passes the filter. Files come back
// in lexical path order. Unreadable files are recorded as *models.FileError and
// skipped.
func Walk(root string, filter Filter) (Tree, error) {
	var tree Tree
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == root {
				return nil
			}
			name := filepath.Base(path)
			if de.IsDir() {
				if filter.SkipDir(name) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if !de.IsRegular() {
				return nil
			}

			rel := relPath(root, path)
			fi, err := os.Stat(path)
			if err != nil {
				tree.Errors = append(tree.Errors, &models.FileError{Path: rel, Err: err})
				return nil
			}
			if filter.SkipFile(name, fi.Size()) {
				tree.Skipped++
				return nil
			}

			b, err := os.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", rel).Msg("failed to read file")
				tree.Errors = append(tree.Errors, &models.FileError{Path: rel, Err: err})
				return nil
			}
			if isBinary(b) {
				tree.Skipped++
				return nil
			}
			tree.Files = append(tree.Files, File{Path: rel, Content: b})
			return nil
		},
		ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
			tree.Errors = append(tree.Errors, &models.FileError{Path: relPath(root, path), Err: err})
			return godirwalk.SkipNode
		},
	})
	return tree, err
}

func relPath(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}
