package chunker

import (
	"path/filepath"
	"strings"
)

// Unknown is the language label for unmapped extensions.
const Unknown = "unknown"

var languages = map[string][]string{
	"python":     {".py", ".pyx", ".pyi", ".pyw"},
	"javascript": {".js", ".jsx", ".mjs", ".cjs"},
	"typescript": {".ts", ".tsx"},
	"java":       {".java"},
	"c":          {".c", ".h"},
	"cpp":        {".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx"},
	"csharp":     {".cs"},
	"go":         {".go"},
	"ruby":       {".rb"},
	"php":        {".php"},
	"swift":      {".swift"},
	"rust":       {".rs"},
	"kotlin":     {".kt", ".kts"},
	"scala":      {".scala"},
	"html":       {".html", ".htm"},
	"css":        {".css", ".scss", ".sass", ".less"},
	"json":       {".json"},
	"yaml":       {".yaml", ".yml"},
	"xml":        {".xml"},
	"markdown":   {".md", ".markdown"},
	"shell":      {".sh", ".bash", ".zsh"},
	"sql":        {".sql"},
	"terraform":  {".tf", ".tfvars"},
	"protobuf":   {".proto"},
	"toml":       {".toml"},
}

var extToLang = func() map[string]string {
	m := make(map[string]string)
	for lang, exts := range languages {
		for _, ext := range exts {
			m[ext] = lang
		}
	}
	return m
}()

// Language maps a file path to its language label.
func Language(path string) string {
	base := filepath.Base(path)
	switch base {
	case "Dockerfile":
		return "dockerfile"
	case "Makefile", "GNUmakefile":
		return "makefile"
	}
	if lang, ok := extToLang[strings.ToLower(filepath.Ext(base))]; ok {
		return lang
	}
	return Unknown
}
