package patterns

import (
	"path/filepath"

	"github.com/fgeck/minarca-agent/internal/models"
)

const defaultComment = "Default"

var userDirs = map[string][]string{
	"linux":   {"Documents", "Desktop", "Pictures", "Music", "Videos"},
	"darwin":  {"Documents", "Desktop", "Pictures", "Music", "Movies"},
	"windows": {"Documents", "Desktop", "Pictures", "Music", "Videos", "Favorites"},
}

var systemExcludes = map[string][]string{
	"linux": {
		"**/.cache",
		"**/.local/share/Trash",
		"**/.Trash-*",
		"**/lost+found",
		"**/*.tmp",
		"/proc",
		"/sys",
		"/dev",
		"/run",
		"/tmp",
		"/var/tmp",
	},
	"darwin": {
		"**/.DS_Store",
		"**/.Trash",
		"**/Library/Caches",
		"**/*.tmp",
		"/private/tmp",
		"/private/var/vm",
	},
	"windows": {
		"**/Thumbs.db",
		"**/desktop.ini",
		"**/$Recycle.Bin",
		"**/AppData/Local/Temp",
		"**/*.tmp",
		"C:/pagefile.sys",
		"C:/hiberfil.sys",
		"C:/swapfile.sys",
		"C:/Windows",
	},
}

// Defaults returns the default patterns for goos with user directories
// below home. Exclusions come first so they take precedence over the user
// directories that contain them.
func Defaults(goos, home string) Set {
	dirs, ok := userDirs[goos]
	if !ok {
		goos = "linux"
		dirs = userDirs[goos]
	}
	set := make(Set, 0, len(dirs)+len(systemExcludes[goos]))
	for _, p := range systemExcludes[goos] {
		set = append(set, models.Pattern{Include: false, Pattern: p, Comment: defaultComment})
	}
	for _, d := range dirs {
		p := filepath.ToSlash(filepath.Join(home, d))
		set = append(set, models.Pattern{Include: true, Pattern: p, Comment: defaultComment})
	}
	return set
}
