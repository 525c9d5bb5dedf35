// Package pathkey normalizes file paths into the single canonical form
// used as a map key everywhere a file's identity matters, so the same
// underlying file is never tracked twice — once under the path as
// originally spelled and again via a symlink alias or a differently
// cased variant of it.
package pathkey

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/afero"
)

// Normalize resolves path to its canonical identity: symlinks resolved,
// then case-folded on platforms whose default filesystem is
// case-insensitive. Symlink resolution only runs against a real OS
// filesystem — afero's in-memory filesystems used by tests never
// contain symlinks, and EvalSymlinks would otherwise fail by looking
// the path up on the real disk underneath a test's fake tree. A path
// that can't be resolved (e.g. it does not exist yet) is returned
// unchanged rather than erroring; Normalize is an identity key, not a
// existence check.
func Normalize(fs afero.Fs, path string) string {
	if _, ok := fs.(*afero.OsFs); ok {
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		}
	}
	return foldCase(filepath.Clean(path))
}

// foldCase lowercases path on the platforms whose native filesystem is
// case-insensitive by default (Windows, macOS); Linux filesystems are
// case-sensitive, so paths there are compared as written.
func foldCase(path string) string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.ToLower(path)
	}
	return path
}
