// Package assets holds the content bundled with the Edison binary: the core
// layer of composable content (agents, validators, guidelines, constitutions,
// rules) and the packs that ship with the CLI.
package assets

import (
	"embed"
	"io/fs"
	"sort"
)

//go:embed all:core all:packs
var content embed.FS

// Core returns the bundled core content layer.
func Core() fs.FS {
	sub, err := fs.Sub(content, "core")
	if err != nil {
		panic(err)
	}
	return sub
}

// BundledPack returns the bundled filesystem for a pack, if one ships with
// the binary.
func BundledPack(name string) (fs.FS, bool) {
	if _, err := fs.Stat(content, "packs/"+name); err != nil {
		return nil, false
	}
	sub, err := fs.Sub(content, "packs/"+name)
	if err != nil {
		return nil, false
	}
	return sub, true
}

// BundledPackNames lists the packs shipped with the binary, sorted.
func BundledPackNames() []string {
	entries, err := content.ReadDir("packs")
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}
