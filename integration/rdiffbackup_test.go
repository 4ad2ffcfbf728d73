//go:build integration

package integration

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/classifier"
	"github.com/fgeck/minarca-agent/internal/services/rdiffbackup"
	"github.com/fgeck/minarca-agent/internal/services/supervisor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getBuilder(t *testing.T) rdiffbackup.Builder {
	t.Helper()

	bin := os.Getenv("TEST_RDIFF_BACKUP")
	if bin == "" {
		bin = rdiffbackup.DefaultBinary
	}
	if _, err := exec.LookPath(bin); err != nil {
		t.Skipf("%s not found in PATH", bin)
	}
	return rdiffbackup.Builder{Binary: bin}
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runChild(t *testing.T, argv []string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := supervisor.New(testLogger()).Run(context.Background(), supervisor.Request{
		Argv:       argv,
		Output:     &out,
		Classifier: classifier.New(),
	})
	return out.String(), err
}

func TestRdiffBackupLocalRoundTrip_Integration(t *testing.T) {
	builder := getBuilder(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("first"), 0o600))
	repo := filepath.Join(t.TempDir(), "repo")
	target := rdiffbackup.Target{LocalPath: repo}

	out, err := runChild(t, builder.Backup(target, src, nil))
	require.NoError(t, err, out)

	svc := rdiffbackup.New(testLogger(), builder)
	increments, err := svc.ListIncrements(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, increments, 1)
	assert.True(t, increments[0].Current)

	files, err := svc.ListFiles(context.Background(), target, increments[0].Time)
	require.NoError(t, err)
	assert.Contains(t, files, "a.txt")

	dest := filepath.Join(t.TempDir(), "restored")
	out, err = runChild(t, builder.Restore(target, increments[0].Time, "a.txt", dest, nil))
	require.NoError(t, err, out)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestRdiffBackupMissingFile_Integration(t *testing.T) {
	builder := getBuilder(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("data"), 0o600))
	repo := filepath.Join(t.TempDir(), "repo")
	target := rdiffbackup.Target{LocalPath: repo}

	out, err := runChild(t, builder.Backup(target, src, nil))
	require.NoError(t, err, out)

	dest := filepath.Join(t.TempDir(), "restored")
	_, err = runChild(t, builder.Restore(target, time.Now(), "missing.txt", dest, nil))
	require.Error(t, err)
	assert.NotEqual(t, models.KindUnknown, models.KindOf(err))
}

func TestRdiffBackupVersion_Integration(t *testing.T) {
	builder := getBuilder(t)

	version, err := rdiffbackup.New(testLogger(), builder).Version(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, version)
}
