// Package confstore persists line-oriented key=value files.
//
// Files are read into a Record, which keeps every key (including keys it does
// not know about) so a read-modify-write cycle never loses data. Writes go
// through a sibling temporary file that is synced and renamed into place, so a
// concurrent reader observes either the old or the new content.
package confstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/ini.v1"
)

func init() {
	// Write key=value without alignment padding.
	ini.PrettyFormat = false
	ini.PrettyEqual = false
}

var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:     true,
	KeyValueDelimiters:      "=",
	PreserveSurroundedQuote: true,
	SkipUnrecognizableLines: true,
}

// Record is an ordered set of keys and string values.
type Record struct {
	file *ini.File
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{file: ini.Empty(loadOptions)}
}

// Parse reads a record from raw bytes.
func Parse(data []byte) (*Record, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("parsing key=value data: %w", err)
	}
	return &Record{file: f}, nil
}

// Load reads the record stored at path. A missing file yields an empty record.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built by the caller
	if errors.Is(err, os.ErrNotExist) {
		return NewRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Save atomically writes the record to path.
func Save(r *Record, path string) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to a temporary sibling of path, syncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := atomicwriter.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Bytes renders the record as key=value lines.
func (r *Record) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := r.file.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering key=value data: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Record) section() *ini.Section {
	return r.file.Section(ini.DefaultSection)
}

// Keys returns all keys in file order.
func (r *Record) Keys() []string {
	return r.section().KeyStrings()
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	return r.section().HasKey(key)
}

// Delete removes key.
func (r *Record) Delete(key string) {
	r.section().DeleteKey(key)
}

// String returns the raw value of key, or def when missing.
func (r *Record) String(key, def string) string {
	if !r.Has(key) {
		return def
	}
	return r.section().Key(key).String()
}

// Int returns key as an integer, or def when missing or empty.
func (r *Record) Int(key string, def int) (int, error) {
	raw := strings.TrimSpace(r.String(key, ""))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

// Bool returns key as a boolean, or def when missing or empty.
func (r *Record) Bool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(r.String(key, ""))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return def, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return v, nil
}

// Ints returns key as a comma separated list of integers.
func (r *Record) Ints(key string) ([]int, error) {
	raw := strings.TrimSpace(r.String(key, ""))
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid integer %q", key, part)
		}
		out = append(out, v)
	}
	return out, nil
}

// Time returns key as an instant. Both RFC3339 and unix epoch seconds are
// accepted; a missing key yields the zero time.
func (r *Record) Time(key string) (time.Time, error) {
	raw := strings.TrimSpace(r.String(key, ""))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(epoch, 0), nil
	}
	return time.Time{}, fmt.Errorf("%s: invalid time %q", key, raw)
}

// Set stores a raw value.
func (r *Record) Set(key, value string) {
	r.section().Key(key).SetValue(value)
}

// SetInt stores an integer.
func (r *Record) SetInt(key string, v int) {
	r.Set(key, strconv.Itoa(v))
}

// SetBool stores a boolean.
func (r *Record) SetBool(key string, v bool) {
	r.Set(key, strconv.FormatBool(v))
}

// SetInts stores a sorted comma separated list.
func (r *Record) SetInts(key string, v []int) {
	sorted := append([]int(nil), v...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = strconv.Itoa(n)
	}
	r.Set(key, strings.Join(parts, ","))
}

// SetTime stores an instant; the zero time deletes the key.
func (r *Record) SetTime(key string, t time.Time) {
	if t.IsZero() {
		r.Delete(key)
		return
	}
	r.Set(key, t.Format(time.RFC3339Nano))
}

// SetString stores value, deleting the key when value is empty.
func (r *Record) SetString(key, value string) {
	if value == "" {
		r.Delete(key)
		return
	}
	r.Set(key, value)
}

// Update loads path, applies fn and saves the result.
func Update(path string, fn func(*Record) error) error {
	r, err := Load(path)
	if err != nil {
		return err
	}
	if err := fn(r); err != nil {
		return err
	}
	return Save(r, path)
}
