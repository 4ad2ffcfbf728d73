package instance

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Paths locates the files owned by one instance.
type Paths struct {
	Dir string
	ID  int
}

func (p Paths) file(format string) string {
	return filepath.Join(p.Dir, fmt.Sprintf(format, p.ID))
}

// Config is the settings file.
func (p Paths) Config() string { return p.file("config.%d.conf") }

// Patterns is the pattern file.
func (p Paths) Patterns() string { return p.file("patterns.%d") }

// Status is the status file.
func (p Paths) Status() string { return p.file("status.%d") }

// PrivateKey is the private SSH key.
func (p Paths) PrivateKey() string { return p.file("id_rsa.%d") }

// PublicKey is the public SSH key.
func (p Paths) PublicKey() string { return p.PrivateKey() + ".pub" }

// KnownHosts pins the server host keys.
func (p Paths) KnownHosts() string { return p.file("known_hosts.%d") }

// BackupLog receives the output of backups.
func (p Paths) BackupLog() string { return p.file("backup.%d.log") }

// RestoreLog receives the output of restores.
func (p Paths) RestoreLog() string { return p.file("restore.%d.log") }

// All returns every file of the instance, including rotated logs.
func (p Paths) All() []string {
	files := []string{
		p.Config(), p.Patterns(), p.Status(),
		p.PrivateKey(), p.PublicKey(), p.KnownHosts(),
		p.BackupLog(), p.RestoreLog(),
	}
	for _, log := range []string{p.BackupLog(), p.RestoreLog()} {
		// lumberjack names backups <name>-<timestamp>.log
		rotated, _ := filepath.Glob(strings.TrimSuffix(log, ".log") + "-*.log*")
		files = append(files, rotated...)
	}
	return files
}
