package confstore

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fgeck/minarca-agent/internal/models"
)

// Settings keys.
const (
	KeyRepositoryName   = "repositoryname"
	KeyRemoteURL        = "remoteurl"
	KeyRemoteHost       = "remotehost"
	KeyUsername         = "username"
	KeyRemoteRole       = "remoterole"
	KeyRemoteVersion    = "remoteversion"
	KeyLocalUUID        = "localuuid"
	KeyLocalRelPath     = "localrelpath"
	KeyLocalCaption     = "localcaption"
	KeyLocalMountpoint  = "localmountpoint"
	KeySchedule         = "schedule"
	KeyIgnoreWeekday    = "ignore_weekday"
	KeyMaxAge           = "maxage"
	KeyKeepDays         = "keepdays"
	KeyPauseUntil       = "pause_until"
	KeyPreHookCommand   = "pre_hook_command"
	KeyPostHookCommand  = "post_hook_command"
	KeyIgnoreHookErrors = "ignore_hook_errors"
)

var repositoryNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var validSchedules = map[int]bool{
	models.ScheduleManual: true,
	models.ScheduleHourly: true,
	models.Schedule4Daily: true,
	models.ScheduleTwice:  true,
	models.ScheduleDaily:  true,
}

// ValidateRepositoryName rejects empty names, names with characters outside
// [A-Za-z0-9_.-] and the path components "." and "..".
func ValidateRepositoryName(name string) error {
	if !repositoryNameRe.MatchString(name) || name == "." || name == ".." {
		return models.Errorf(models.KindInvalidRepositoryName, "Invalid repository name %q", name)
	}
	return nil
}

// ValidateSettings checks the invariants of a settings record.
func ValidateSettings(s models.Settings) error {
	if s.RepositoryName != "" {
		if err := ValidateRepositoryName(s.RepositoryName); err != nil {
			return err
		}
	}
	if s.IsRemote() && s.IsLocal() {
		return fmt.Errorf("both %s and %s are set", KeyRemoteURL, KeyLocalUUID)
	}
	if !validSchedules[s.Schedule] {
		return fmt.Errorf("%s: unsupported value %d", KeySchedule, s.Schedule)
	}
	seen := map[int]bool{}
	for _, d := range s.IgnoreWeekday {
		if d < 0 || d > 6 {
			return fmt.Errorf("%s: weekday %d out of range 0..6", KeyIgnoreWeekday, d)
		}
		seen[d] = true
	}
	if len(seen) == 7 {
		return fmt.Errorf("%s: cannot ignore every day of the week", KeyIgnoreWeekday)
	}
	if s.MaxAge < 0 {
		return fmt.Errorf("%s: must not be negative", KeyMaxAge)
	}
	if s.KeepDays < -1 || s.KeepDays == 0 {
		return fmt.Errorf("%s: must be -1 or a positive number of days", KeyKeepDays)
	}
	if s.LocalRelPath != "" && !IsLocalRelPath(s.LocalRelPath) {
		return fmt.Errorf("%s: %q escapes the mountpoint", KeyLocalRelPath, s.LocalRelPath)
	}
	return nil
}

// IsLocalRelPath reports whether rel stays inside the directory it is
// relative to.
func IsLocalRelPath(rel string) bool {
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return false
	}
	clean := filepath.Clean(rel)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// DecodeSettings reads typed settings from a record. Missing keys take their
// default value.
//
//nolint:gocognit,gocyclo // one branch per field
func DecodeSettings(r *Record) (models.Settings, error) {
	s := models.DefaultSettings()
	var err error

	s.RepositoryName = r.String(KeyRepositoryName, "")
	s.RemoteURL = r.String(KeyRemoteURL, "")
	s.RemoteHost = r.String(KeyRemoteHost, "")
	s.Username = r.String(KeyUsername, "")
	s.RemoteVersion = r.String(KeyRemoteVersion, "")
	s.LocalUUID = r.String(KeyLocalUUID, "")
	s.LocalRelPath = r.String(KeyLocalRelPath, "")
	s.LocalCaption = r.String(KeyLocalCaption, "")
	s.LocalMountpoint = r.String(KeyLocalMountpoint, "")
	s.PreHookCommand = r.String(KeyPreHookCommand, "")
	s.PostHookCommand = r.String(KeyPostHookCommand, "")

	if s.RemoteRole, err = r.Int(KeyRemoteRole, 0); err != nil {
		return s, err
	}
	if s.Schedule, err = r.Int(KeySchedule, models.DefaultSchedule); err != nil {
		return s, err
	}
	if s.IgnoreWeekday, err = r.Ints(KeyIgnoreWeekday); err != nil {
		return s, err
	}
	if s.MaxAge, err = r.Int(KeyMaxAge, models.DefaultMaxAge); err != nil {
		return s, err
	}
	if s.KeepDays, err = r.Int(KeyKeepDays, models.DefaultKeepDays); err != nil {
		return s, err
	}
	if s.PauseUntil, err = r.Time(KeyPauseUntil); err != nil {
		return s, err
	}
	if s.IgnoreHookErrors, err = r.Bool(KeyIgnoreHookErrors, false); err != nil {
		return s, err
	}
	return s, nil
}

// EncodeSettings writes typed settings into r, preserving unrelated keys.
func EncodeSettings(r *Record, s models.Settings) error {
	if err := ValidateSettings(s); err != nil {
		return err
	}
	r.SetString(KeyRepositoryName, s.RepositoryName)
	r.SetString(KeyRemoteURL, s.RemoteURL)
	r.SetString(KeyRemoteHost, s.RemoteHost)
	r.SetString(KeyUsername, s.Username)
	if s.RemoteRole != 0 || r.Has(KeyRemoteRole) {
		r.SetInt(KeyRemoteRole, s.RemoteRole)
	}
	r.SetString(KeyRemoteVersion, s.RemoteVersion)
	r.SetString(KeyLocalUUID, s.LocalUUID)
	r.SetString(KeyLocalRelPath, s.LocalRelPath)
	r.SetString(KeyLocalCaption, s.LocalCaption)
	r.SetString(KeyLocalMountpoint, s.LocalMountpoint)
	r.SetInt(KeySchedule, s.Schedule)
	r.SetInts(KeyIgnoreWeekday, s.IgnoreWeekday)
	r.SetInt(KeyMaxAge, s.MaxAge)
	r.SetInt(KeyKeepDays, s.KeepDays)
	r.SetTime(KeyPauseUntil, s.PauseUntil)
	r.SetString(KeyPreHookCommand, s.PreHookCommand)
	r.SetString(KeyPostHookCommand, s.PostHookCommand)
	r.SetBool(KeyIgnoreHookErrors, s.IgnoreHookErrors)
	return nil
}

// LoadSettings reads the settings file at path.
func LoadSettings(path string) (models.Settings, error) {
	r, err := Load(path)
	if err != nil {
		return models.Settings{}, err
	}
	s, err := DecodeSettings(r)
	if err != nil {
		return s, fmt.Errorf("decoding %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings validates s and writes it to path, keeping unknown keys.
func SaveSettings(path string, s models.Settings) error {
	return Update(path, func(r *Record) error {
		return EncodeSettings(r, s)
	})
}
