// Package classifier turns rdiff-backup output into typed errors.
package classifier

import (
	"bytes"
	"sync"

	"github.com/fgeck/minarca-agent/internal/models"
)

type matcher struct {
	kind models.Kind
	all  [][]byte // every needle must be present
	any  [][]byte // at least one needle must be present, when set
}

func (m matcher) match(line []byte) bool {
	for _, n := range m.all {
		if !bytes.Contains(line, n) {
			return false
		}
	}
	if len(m.any) == 0 {
		return true
	}
	for _, n := range m.any {
		if bytes.Contains(line, n) {
			return true
		}
	}
	return false
}

func needles(s ...string) [][]byte {
	out := make([][]byte, len(s))
	for i, v := range s {
		out[i] = []byte(v)
	}
	return out
}

// matchers are ordered by priority, highest first.
var matchers = []matcher{
	{kind: models.KindRemoteServerTruncatedHeader, all: needles("Truncated header <b''> (problem probably originated remotely)")},
	{kind: models.KindConnectRefused, all: needles("ssh: connect to host", "Connection refused")},
	{kind: models.KindDiskFull, all: needles("OSError: [Errno 28] No space left on device")},
	{kind: models.KindDiskQuotaExceeded, all: needles("OSError: [Errno 122] Disk quota exceeded")},
	{kind: models.KindUnknownHost, all: needles("ssh: Could not resolve hostname")},
	{kind: models.KindUnknownHostKey, all: needles("Host key verification failed.")},
	{kind: models.KindPermissionDenied, all: needles("Permission denied (publickey)")},
	{kind: models.KindUnsupportedVersion, any: needles("ERROR unsupported version:", "ERROR: unsupported version:")},
	{kind: models.KindRepositoryLocked, all: needles("Fatal Error: It appears that a previous rdiff-backup session")},
	{kind: models.KindRestoreFileNotFound, all: needles("couldn't be identified as being within an existing backup repository")},
	{kind: models.KindUnrecognizedArgs, all: needles("error: unrecognized arguments:")},
	{kind: models.KindDiskDisconnected, all: needles("OSError: [Errno 5] Input/output error")},
	{kind: models.KindRemoteRepositoryNotFound, all: needles("couldn't be identified as being within an existing")},
	{kind: models.KindJailCreation, all: needles("ERROR: fail to create rdiff-backup jail")},
}

// Classifier scans output lines and keeps the highest priority match.
// It is safe for concurrent use.
type Classifier struct {
	mu   sync.Mutex
	best int // index into matchers, len(matchers) when nothing matched
	line string
}

// New returns an empty classifier.
func New() *Classifier {
	return &Classifier{best: len(matchers)}
}

// Feed inspects one output line.
func (c *Classifier) Feed(line []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Only matchers of strictly higher priority can replace the current one.
	for i := 0; i < c.best; i++ {
		if matchers[i].match(line) {
			c.best = i
			c.line = string(bytes.TrimSpace(line))
			return
		}
	}
}

// Result returns the classified error, or nil when no line matched.
func (c *Classifier) Result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.best == len(matchers) {
		return nil
	}
	err := models.NewError(matchers[c.best].kind)
	if c.line != "" {
		err.Detail = err.Detail + "\n" + c.line
	}
	return err
}
