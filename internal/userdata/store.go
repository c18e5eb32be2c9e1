// Package userdata provides the file-backed per-user document store for CarePulse.
//
// Each user owns exactly two JSON documents: a profile under the users
// partition and a schedule under the schedules partition, both keyed by the
// sanitized identifier. A missing document is treated as first use and
// initialized with defaults.
package userdata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/CarePulse/internal/models"
)

// Directory names for the two per-user document partitions.
const (
	UsersDir     = "users"
	SchedulesDir = "schedules"
	// DefaultDirPermissions defines the default permissions for data directories
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the default permissions for document files
	DefaultFilePermissions = 0644
)

var nonWordRegex = regexp.MustCompile(`\W`)

// SanitizeKey converts a user identifier into a safe file name component.
// All non-word characters are replaced with underscores.
func SanitizeKey(identifier string) string {
	return nonWordRegex.ReplaceAllString(identifier, "_")
}

// Store persists per-user JSON documents under a base directory.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating both partitions if needed.
func New(baseDir string) (*Store, error) {
	for _, dir := range []string{UsersDir, SchedulesDir} {
		path := filepath.Join(baseDir, dir)
		if err := os.MkdirAll(path, DefaultDirPermissions); err != nil {
			slog.Error("userdata.New: failed to create partition directory", "error", err, "dir", path)
			return nil, fmt.Errorf("failed to create data directory %s: %w", path, err)
		}
	}
	slog.Debug("userdata store initialized", "base_dir", baseDir)
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the base directory of the store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) profilePath(identifier string) string {
	return filepath.Join(s.baseDir, UsersDir, SanitizeKey(identifier)+".json")
}

func (s *Store) schedulePath(identifier string) string {
	return filepath.Join(s.baseDir, SchedulesDir, SanitizeKey(identifier)+".json")
}

// ProfileExists reports whether a profile document exists for the identifier.
func (s *Store) ProfileExists(identifier string) bool {
	_, err := os.Stat(s.profilePath(identifier))
	return err == nil
}

// LoadProfile reads the user's profile document. A missing file is treated as
// first use: a default profile is created, persisted, and returned.
func (s *Store) LoadProfile(identifier string) (*models.UserProfile, error) {
	path := s.profilePath(identifier)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			now := time.Now()
			profile := &models.UserProfile{
				PhoneNumber:     identifier,
				CreatedAt:       now,
				LastInteraction: now,
				Symptoms:        []models.Symptom{},
			}
			if saveErr := s.SaveProfile(profile); saveErr != nil {
				return nil, saveErr
			}
			slog.Info("userdata created new profile", "user", identifier)
			return profile, nil
		}
		slog.Error("userdata.LoadProfile: read failed", "error", err, "user", identifier)
		return nil, fmt.Errorf("failed to read profile for %s: %w", identifier, err)
	}

	var profile models.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		slog.Error("userdata.LoadProfile: unmarshal failed", "error", err, "user", identifier)
		return nil, fmt.Errorf("failed to parse profile for %s: %w", identifier, err)
	}
	return &profile, nil
}

// SaveProfile writes the user's profile document atomically.
func (s *Store) SaveProfile(profile *models.UserProfile) error {
	if profile.PhoneNumber == "" {
		return models.ErrMissingPhoneNumber
	}
	return s.writeDocument(s.profilePath(profile.PhoneNumber), profile)
}

// LoadSchedule reads the user's schedule document. A missing file is treated
// as first use: a default schedule is created, persisted, and returned.
func (s *Store) LoadSchedule(identifier string) (*models.ScheduleState, error) {
	path := s.schedulePath(identifier)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			schedule := &models.ScheduleState{
				Upcoming:    []models.UpcomingCheckIn{},
				History:     []models.CheckInRecord{},
				Preferences: models.DefaultPreferences(),
			}
			if saveErr := s.SaveSchedule(identifier, schedule); saveErr != nil {
				return nil, saveErr
			}
			slog.Info("userdata created new schedule", "user", identifier)
			return schedule, nil
		}
		slog.Error("userdata.LoadSchedule: read failed", "error", err, "user", identifier)
		return nil, fmt.Errorf("failed to read schedule for %s: %w", identifier, err)
	}

	var schedule models.ScheduleState
	if err := json.Unmarshal(data, &schedule); err != nil {
		slog.Error("userdata.LoadSchedule: unmarshal failed", "error", err, "user", identifier)
		return nil, fmt.Errorf("failed to parse schedule for %s: %w", identifier, err)
	}
	return &schedule, nil
}

// SaveSchedule writes the user's schedule document atomically.
func (s *Store) SaveSchedule(identifier string, schedule *models.ScheduleState) error {
	return s.writeDocument(s.schedulePath(identifier), schedule)
}

// ListUsers returns the identifiers of all users with a profile document.
// The returned values are sanitized keys, which the scheduler manager uses to
// recover heartbeats after a restart.
func (s *Store) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, UsersDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list users partition: %w", err)
	}
	var users []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		users = append(users, strings.TrimSuffix(name, ".json"))
	}
	return users, nil
}

// writeDocument marshals v and writes it via a temp file plus rename so a
// crash mid-write never leaves a truncated document behind.
func (s *Store) writeDocument(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("userdata.writeDocument: marshal failed", "error", err, "path", path)
		return fmt.Errorf("failed to marshal document %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, DefaultFilePermissions); err != nil {
		slog.Error("userdata.writeDocument: write failed", "error", err, "path", tmp)
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("userdata.writeDocument: rename failed", "error", err, "path", path)
		return fmt.Errorf("failed to replace document %s: %w", path, err)
	}
	return nil
}
