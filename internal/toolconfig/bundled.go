package toolconfig

import (
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed bundled
var bundledFS embed.FS

// BundledFS returns the tool configs shipped with the binary, rooted so that
// a tool's config lives at <name>/config.yaml.
func BundledFS() fs.FS {
	sub, err := fs.Sub(bundledFS, "bundled")
	if err != nil {
		panic(err)
	}
	return sub
}

// Bundled lists the names of the bundled tools.
func Bundled() []string {
	return bundledNames(BundledFS())
}

func bundledNames(fsys fs.FS) []string {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		switch {
		case e.IsDir():
			names = append(names, e.Name())
		case strings.HasSuffix(e.Name(), ".yaml"), strings.HasSuffix(e.Name(), ".yml"):
			names = append(names, e.Name())
		default:
			continue
		}
	}
	sort.Strings(names)
	return names
}

// IsBundled reports whether name resolves inside the bundled namespace.
func IsBundled(name string) bool {
	name = strings.TrimPrefix(name, "bundled:")
	if !fs.ValidPath(name) {
		return false
	}
	_, err := fs.Stat(BundledFS(), path.Clean(name))
	return err == nil
}
