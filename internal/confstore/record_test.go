package confstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "missing.conf"))

	require.NoError(t, err)
	assert.Empty(t, r.Keys())
}

func TestParse_KeyValue(t *testing.T) {
	r, err := Parse([]byte("remoteurl=https://backup.example/\nrepositoryname=laptop\nschedule=6\n"))

	require.NoError(t, err)
	assert.Equal(t, "https://backup.example/", r.String("remoteurl", ""))
	assert.Equal(t, "laptop", r.String("repositoryname", ""))
	schedule, err := r.Int("schedule", 24)
	require.NoError(t, err)
	assert.Equal(t, 6, schedule)
}

func TestParse_ValueWithHashAndSemicolon(t *testing.T) {
	r, err := Parse([]byte("pre_hook_command=echo a # b; echo c\n"))

	require.NoError(t, err)
	assert.Equal(t, "echo a # b; echo c", r.String("pre_hook_command", ""))
}

func TestRecord_TypedGetters(t *testing.T) {
	r, err := Parse([]byte("n=abc\nb=yes\nlist=1, 3,5\nwhen=2024-03-01T10:00:00Z\nepoch=1700000000\n"))
	require.NoError(t, err)

	_, err = r.Int("n", 0)
	assert.Error(t, err)

	_, err = r.Bool("b", false)
	assert.Error(t, err)

	list, err := r.Ints("list")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, list)

	when, err := r.Time("when")
	require.NoError(t, err)
	assert.True(t, when.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	epoch, err := r.Time("epoch")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), epoch.Unix())

	missing, err := r.Int("missing", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, missing)
}

func TestSave_PreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.1.conf")
	require.NoError(t, os.WriteFile(path, []byte("custom=value\nrepositoryname=old\n"), 0o600))

	err := Update(path, func(r *Record) error {
		r.Set("repositoryname", "new")
		r.SetInts("ignore_weekday", []int{6, 5})
		return nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "custom=value")
	assert.Contains(t, content, "repositoryname=new")
	assert.Contains(t, content, "ignore_weekday=5,6")
}

func TestSave_LeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.1")

	r := NewRecord()
	r.Set("lastresult", "SUCCESS")
	require.NoError(t, Save(r, path))
	require.NoError(t, Save(r, path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "status.1", entries[0].Name())
}

func TestSetString_EmptyDeletes(t *testing.T) {
	r := NewRecord()
	r.Set("username", "alice")
	r.SetString("username", "")

	assert.False(t, r.Has("username"))
}

func TestSetTime_ZeroDeletes(t *testing.T) {
	r := NewRecord()
	r.SetTime("pause_until", time.Now())
	require.True(t, r.Has("pause_until"))

	r.SetTime("pause_until", time.Time{})
	assert.False(t, r.Has("pause_until"))
}
