package rag

import (
	"path/filepath"
	"strings"
)

// defaultIgnorePatterns are always applied on top of configured patterns.
var defaultIgnorePatterns = []string{
	".git/**",
	".hg/**",
	".svn/**",
	"node_modules/**",
	"vendor/**",
	"dist/**",
	"build/**",
	"target/**",
	"__pycache__/**",
	".venv/**",
	"venv/**",
	".idea/**",
	".vscode/**",
	"*.min.js",
	"*.min.css",
	"*.lock",
	"*.log",
}

// indexableExtensions are the file types the workspace indexer accepts.
// Everything else is skipped silently.
var indexableExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true,
	".tsx": true, ".java": true, ".c": true, ".h": true, ".cc": true,
	".cpp": true, ".hpp": true, ".cs": true, ".rb": true, ".rs": true,
	".php": true, ".swift": true, ".kt": true, ".scala": true, ".sh": true,
	".bash": true, ".zsh": true, ".sql": true, ".proto": true, ".lua": true,
	".md": true, ".txt": true, ".rst": true, ".yaml": true, ".yml": true,
	".json": true, ".toml": true, ".ini": true, ".cfg": true, ".xml": true,
	".html": true, ".css": true, ".scss": true, ".tf": true, ".dockerfile": true,
}

// IgnoreMatcher decides which paths the indexer and watcher skip.
type IgnoreMatcher struct {
	patterns []string
}

// NewIgnoreMatcher merges the configured patterns with the built-in
// defaults. Patterns are matched against workspace-relative slash paths.
func NewIgnoreMatcher(extra []string) *IgnoreMatcher {
	patterns := make([]string, 0, len(defaultIgnorePatterns)+len(extra))
	patterns = append(patterns, defaultIgnorePatterns...)
	patterns = append(patterns, extra...)
	return &IgnoreMatcher{patterns: patterns}
}

// Ignored reports whether relPath matches any ignore pattern. Directory
// patterns of the form "dir/**" also match the directory itself so walks
// can prune early.
func (m *IgnoreMatcher) Ignored(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	base := filepath.Base(relPath)

	for _, pattern := range m.patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if relPath == prefix || strings.HasPrefix(relPath, prefix+"/") ||
				strings.Contains(relPath, "/"+prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Indexable reports whether the path has a file type the code indexer
// handles. Extensionless files named Dockerfile or Makefile count too.
func Indexable(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		switch filepath.Base(path) {
		case "Dockerfile", "Makefile":
			return true
		}
		return false
	}
	return indexableExtensions[ext]
}
