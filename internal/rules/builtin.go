package rules

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadBuiltin parses the rules compiled into the binary. Files load in
// lexical order so declaration order is stable across builds.
func LoadBuiltin() ([]Rule, error) {
	var names []string
	err := fs.WalkDir(builtinFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking builtin rules: %w", err)
	}
	sort.Strings(names)

	var all []Rule
	for _, name := range names {
		data, err := fs.ReadFile(builtinFS, name)
		if err != nil {
			return nil, fmt.Errorf("reading builtin rules %s: %w", name, err)
		}
		rs, err := ParseYAML(data, SourceBuiltin)
		if err != nil {
			return nil, fmt.Errorf("builtin rules %s: %w", name, err)
		}
		all = append(all, rs...)
	}
	// Re-sequence across files so ties resolve by overall declaration order.
	for i := range all {
		all[i].seq = i
	}
	return all, nil
}
