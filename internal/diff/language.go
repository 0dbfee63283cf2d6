package diff

import (
	"path"
	"strings"
)

// extensionToLanguage is a fixed table; an unknown extension yields the empty
// string and the file falls back to windowed chunking downstream.
var extensionToLanguage = map[string]string{
	".py":     "python",
	".js":     "javascript",
	".jsx":    "javascript",
	".ts":     "typescript",
	".tsx":    "typescript",
	".go":     "go",
	".rs":     "rust",
	".java":   "java",
	".kt":     "kotlin",
	".swift":  "swift",
	".rb":     "ruby",
	".php":    "php",
	".cs":     "csharp",
	".cpp":    "cpp",
	".cc":     "cpp",
	".cxx":    "cpp",
	".c":      "c",
	".h":      "c",
	".hpp":    "cpp",
	".sh":     "bash",
	".bash":   "bash",
	".zsh":    "bash",
	".sql":    "sql",
	".yaml":   "yaml",
	".yml":    "yaml",
	".json":   "json",
	".tf":     "terraform",
	".proto":  "protobuf",
	".html":   "html",
	".css":    "css",
	".scss":   "scss",
	".less":   "less",
	".xml":    "xml",
	".toml":   "toml",
	".ini":    "ini",
	".cfg":    "ini",
	".r":      "r",
	".scala":  "scala",
	".dart":   "dart",
	".lua":    "lua",
	".ex":     "elixir",
	".exs":    "elixir",
	".erl":    "erlang",
	".hs":     "haskell",
	".ml":     "ocaml",
	".vue":    "vue",
	".svelte": "svelte",
}

// DetectLanguage maps a file path to a language name by extension.
func DetectLanguage(filePath string) string {
	return extensionToLanguage[strings.ToLower(path.Ext(filePath))]
}
