package exaws

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// zoneSources are the zoneinfo directories consulted to enumerate the
// canonical timezone names, in the same order the time package searches
// them on Unix systems.
var zoneSources = []string{
	"/usr/share/zoneinfo",
	"/usr/share/lib/zoneinfo",
	"/usr/lib/locale/TZ",
	"/etc/zoneinfo",
}

var (
	zoneIndexOnce sync.Once
	zoneIndex     map[string]string
)

// buildZoneIndex enumerates the available canonical timezone names and
// indexes them by their upper-cased form, so server-reported names can be
// matched case-insensitively. Built once per process.
func buildZoneIndex() map[string]string {
	index := make(map[string]string)
	for _, dir := range zoneSources {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		root := os.DirFS(dir)
		_ = fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				// posix/ and right/ duplicate the canonical tree
				if path == "posix" || path == "right" {
					return fs.SkipDir
				}
				return nil
			}
			name := filepath.ToSlash(path)
			base := filepath.Base(name)
			// Canonical zone names start with an upper-case letter and
			// contain no extension; this skips zone.tab, leapseconds,
			// tzdata.zi, +VERSION and friends.
			if strings.ContainsRune(base, '.') || base[0] < 'A' || base[0] > 'Z' {
				return nil
			}
			index[strings.ToUpper(name)] = name
			return nil
		})
		break
	}
	return index
}

// resolveTimezone matches a server-reported timezone name against the
// canonical zone index, ignoring case, and loads the matched location.
// Unresolvable names yield nil, not an error.
func resolveTimezone(name string) *time.Location {
	zoneIndexOnce.Do(func() {
		zoneIndex = buildZoneIndex()
	})
	canonical, ok := zoneIndex[strings.ToUpper(name)]
	if !ok {
		// No zoneinfo directory to enumerate (or truly unknown name):
		// fall back to an exact-name load before giving up.
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
		return nil
	}
	loc, err := time.LoadLocation(canonical)
	if err != nil {
		return nil
	}
	return loc
}
