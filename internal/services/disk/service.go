// Package disk resolves local backup destinations on removable volumes.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
)

// MarkerFile holds the volume id when the OS exposes none.
const MarkerFile = ".minarca-id"

// DataDir is the rdiff-backup metadata directory of a repository.
const DataDir = "rdiff-backup-data"

// Service defines the local-disk operations used by an instance.
type Service interface {
	ListRemovable(ctx context.Context) ([]models.DiskInfo, error)
	Locate(ctx context.Context, path string) (*models.DiskInfo, error)
	FindByUUID(ctx context.Context, id, relpath string) (string, error)
	EnsureID(info *models.DiskInfo) (string, error)
	CheckDestination(path string) error
	InitDestination(path string) error
}

// PartitionSource allows mocking the volume enumeration in tests.
type PartitionSource interface {
	Partitions(ctx context.Context) ([]disk.PartitionStat, error)
	Usage(ctx context.Context, path string) (*disk.UsageStat, error)
}

// DefaultSource enumerates volumes with gopsutil.
type DefaultSource struct{}

// Partitions returns the mounted physical partitions.
func (DefaultSource) Partitions(ctx context.Context) ([]disk.PartitionStat, error) {
	return disk.PartitionsWithContext(ctx, false)
}

// Usage returns the usage of the volume mounted at path.
func (DefaultSource) Usage(ctx context.Context, path string) (*disk.UsageStat, error) {
	return disk.UsageWithContext(ctx, path)
}

// Impl implements the Service interface.
type Impl struct {
	source    PartitionSource
	logger    zerolog.Logger
	byUUIDDir string // /dev/disk/by-uuid on Linux
	sysBlock  string // /sys/block on Linux
}

var _ Service = (*Impl)(nil)

// New creates a disk service backed by the host volumes.
func New(logger zerolog.Logger) *Impl {
	s := &Impl{source: DefaultSource{}, logger: logger}
	if runtime.GOOS == "linux" {
		s.byUUIDDir = "/dev/disk/by-uuid"
		s.sysBlock = "/sys/block"
	}
	return s
}

// NewWithSource creates a disk service with a custom source (for testing).
// Empty directories disable the Linux device lookups.
func NewWithSource(logger zerolog.Logger, source PartitionSource, byUUIDDir, sysBlock string) *Impl {
	return &Impl{source: source, logger: logger, byUUIDDir: byUUIDDir, sysBlock: sysBlock}
}

func (s *Impl) partitions(ctx context.Context) ([]models.DiskInfo, error) {
	parts, err := s.source.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	uuids := s.deviceUUIDs()

	disks := make([]models.DiskInfo, 0, len(parts))
	for _, p := range parts {
		info := models.DiskInfo{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Fstype:     p.Fstype,
			UUID:       uuids[p.Device],
			Removable:  s.isRemovable(p),
			Caption:    caption(p.Mountpoint),
		}
		if info.UUID == "" {
			info.UUID = readMarker(p.Mountpoint)
		}
		if usage, err := s.source.Usage(ctx, p.Mountpoint); err == nil {
			info.Size = usage.Total
			info.Free = usage.Free
			info.Used = usage.Used
		} else {
			s.logger.Debug().Err(err).Str("mountpoint", p.Mountpoint).Msg("usage unavailable")
		}
		disks = append(disks, info)
	}
	return disks, nil
}

// ListRemovable returns the removable volumes currently mounted.
func (s *Impl) ListRemovable(ctx context.Context) ([]models.DiskInfo, error) {
	all, err := s.partitions(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.DiskInfo
	for _, d := range all {
		if d.Removable {
			out = append(out, d)
		}
	}
	return out, nil
}

// Locate returns the volume holding path.
func (s *Impl) Locate(ctx context.Context, path string) (*models.DiskInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	all, err := s.partitions(ctx)
	if err != nil {
		return nil, err
	}
	// Longest mountpoint containing path wins.
	sort.Slice(all, func(i, j int) bool { return len(all[i].Mountpoint) > len(all[j].Mountpoint) })
	for i := range all {
		if within(all[i].Mountpoint, abs) {
			return &all[i], nil
		}
	}
	return nil, models.Errorf(models.KindLocalDestinationNotFound, "No volume found for %s", path)
}

// RelPath returns path relative to the mountpoint of info.
func RelPath(info *models.DiskInfo, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(info.Mountpoint, abs)
	if err != nil || !confstore.IsLocalRelPath(rel) {
		return "", fmt.Errorf("%s is outside of %s", path, info.Mountpoint)
	}
	return filepath.ToSlash(rel), nil
}

// FindByUUID returns the current location of relpath on the volume id,
// whatever its mountpoint.
func (s *Impl) FindByUUID(ctx context.Context, id, relpath string) (string, error) {
	all, err := s.partitions(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range all {
		if d.UUID != "" && d.UUID == id {
			return filepath.Join(d.Mountpoint, filepath.FromSlash(relpath)), nil
		}
	}
	return "", models.NewError(models.KindLocalDestinationNotFound)
}

// EnsureID returns the volume id of info, writing a marker file at the
// volume root when the OS reports none.
func (s *Impl) EnsureID(info *models.DiskInfo) (string, error) {
	if info.UUID != "" {
		return info.UUID, nil
	}
	id := uuid.New().String()
	path := filepath.Join(info.Mountpoint, MarkerFile)
	if err := confstore.WriteFileAtomic(path, []byte(id+"\n"), 0o644); err != nil {
		return "", models.Wrap(models.KindInitDestination, err)
	}
	s.logger.Info().Str("mountpoint", info.Mountpoint).Str("uuid", id).Msg("volume marker created")
	info.UUID = id
	return id, nil
}

// CheckDestination accepts a missing or empty directory, or a previous
// backup location.
func (s *Impl) CheckDestination(path string) error {
	entries, err := os.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return models.Wrap(models.KindInitDestination, err)
	}
	for _, e := range entries {
		if e.Name() == DataDir {
			return nil
		}
	}
	for _, e := range entries {
		if e.Name() != MarkerFile {
			return models.Errorf(models.KindLocalDestinationNotEmpty, "Destination is not empty: %s", path)
		}
	}
	return nil
}

// InitDestination creates the rdiff-backup-data directory under path.
func (s *Impl) InitDestination(path string) error {
	if err := os.MkdirAll(filepath.Join(path, DataDir), 0o755); err != nil {
		return models.Wrap(models.KindInitDestination, err)
	}
	return nil
}

// deviceUUIDs maps device paths to filesystem UUIDs.
func (s *Impl) deviceUUIDs() map[string]string {
	out := map[string]string{}
	if s.byUUIDDir == "" {
		return out
	}
	entries, err := os.ReadDir(s.byUUIDDir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		link := filepath.Join(s.byUUIDDir, e.Name())
		dev, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		out[dev] = e.Name()
	}
	return out
}

func (s *Impl) isRemovable(p disk.PartitionStat) bool {
	for _, prefix := range []string{"/media/", "/run/media/", "/Volumes/", "/mnt/"} {
		if strings.HasPrefix(p.Mountpoint, prefix) {
			return true
		}
	}
	if s.sysBlock == "" || !strings.HasPrefix(p.Device, "/dev/") {
		return false
	}
	// /dev/sdb1 -> /sys/block/sdb/removable
	name := strings.TrimPrefix(p.Device, "/dev/")
	base := strings.TrimRightFunc(name, func(r rune) bool { return r >= '0' && r <= '9' })
	data, err := os.ReadFile(filepath.Join(s.sysBlock, base, "removable"))
	return err == nil && strings.TrimSpace(string(data)) == "1"
}

func readMarker(mountpoint string) string {
	data, err := os.ReadFile(filepath.Join(mountpoint, MarkerFile))
	if err != nil {
		return ""
	}
	id := strings.TrimSpace(string(data))
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}

func caption(mountpoint string) string {
	name := filepath.Base(mountpoint)
	if name == "/" || name == "." || name == string(filepath.Separator) {
		return mountpoint
	}
	return name
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && confstore.IsLocalRelPath(rel)
}
