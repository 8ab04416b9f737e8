package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// readSource returns the TOML text behind path.
// A directory contributes every *.toml file in lexical order, each ending in a blank line.
// Params: path file or directory.
// Returns: raw TOML or read error.
func readSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}
	if !info.IsDir() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		return raw, nil
	}

	names, err := tomlFiles(path)
	if err != nil {
		return nil, err
	}

	var merged bytes.Buffer
	for _, name := range names {
		file := filepath.Join(path, name)
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", file, err)
		}
		merged.Write(raw)
		if !bytes.HasSuffix(raw, []byte("\n")) {
			merged.WriteByte('\n')
		}
		merged.WriteByte('\n')
	}
	return merged.Bytes(), nil
}

// tomlFiles lists regular *.toml entries of dir, sorted.
func tomlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", dir)
	}
	slices.Sort(names)
	return names, nil
}
