package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/heartneyes/lenslink/config"
)

// Common error messages
const (
	ErrNoCurrentProfile    = "no current profile set. Please run 'lenslink profile use' to set a current profile first"
	ErrProfileNotFound     = "profile '%s' not found"
	ErrCannotDeleteCurrent = "cannot delete the currently active profile, please switch to another profile first"
)

// ProfileFile is the on-disk set of named lens profiles.
type ProfileFile struct {
	Current  string                   `toml:"current"`
	Profiles map[string]ConfigProfile `toml:"profiles"`
}

// ProfileManager manages the profile file
type ProfileManager struct {
	file ProfileFile
	path string
}

// NewProfileManager creates a manager for the configured profile path
func NewProfileManager() *ProfileManager {
	return NewProfileManagerAt(config.GetProfilePath())
}

// NewProfileManagerAt creates a manager for an explicit path
func NewProfileManagerAt(path string) *ProfileManager {
	return &ProfileManager{
		file: ProfileFile{Profiles: make(map[string]ConfigProfile)},
		path: path,
	}
}

// Load loads profiles from file. A missing file is an empty set.
func (pm *ProfileManager) Load() error {
	data, err := os.ReadFile(pm.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read profile file: %v", err)
	}

	var file ProfileFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse profile file: %v", err)
	}
	if file.Profiles == nil {
		file.Profiles = make(map[string]ConfigProfile)
	}
	for id, p := range file.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile '%s': %w", id, err)
		}
	}
	pm.file = file
	return nil
}

// Save saves profiles to file
func (pm *ProfileManager) Save() error {
	if err := os.MkdirAll(filepath.Dir(pm.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}

	data, err := toml.Marshal(pm.file)
	if err != nil {
		return fmt.Errorf("failed to serialize profile data: %v", err)
	}

	if err := os.WriteFile(pm.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile file: %v", err)
	}
	return nil
}

// Put validates and stores a profile under id. The first profile becomes current.
func (pm *ProfileManager) Put(id string, p ConfigProfile) error {
	id = normalizeID(id)
	if id == "" {
		return fmt.Errorf("profile id is empty")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	pm.file.Profiles[id] = p
	if pm.file.Current == "" {
		pm.file.Current = id
	}
	return pm.Save()
}

// Use sets the current profile
func (pm *ProfileManager) Use(id string) error {
	id = normalizeID(id)
	if _, ok := pm.file.Profiles[id]; !ok {
		return fmt.Errorf(ErrProfileNotFound, id)
	}
	pm.file.Current = id
	return pm.Save()
}

// Remove deletes a profile other than the current one
func (pm *ProfileManager) Remove(id string) error {
	id = normalizeID(id)
	if _, ok := pm.file.Profiles[id]; !ok {
		return fmt.Errorf(ErrProfileNotFound, id)
	}
	if id == pm.file.Current {
		return fmt.Errorf(ErrCannotDeleteCurrent)
	}
	delete(pm.file.Profiles, id)
	return pm.Save()
}

// GetProfile returns the profile stored under id
func (pm *ProfileManager) GetProfile(id string) (ConfigProfile, bool) {
	p, ok := pm.file.Profiles[normalizeID(id)]
	return p, ok
}

// GetCurrent returns the current profile, or Default when none is set
func (pm *ProfileManager) GetCurrent() (ConfigProfile, error) {
	if pm.file.Current == "" {
		return Default(), nil
	}
	p, ok := pm.file.Profiles[pm.file.Current]
	if !ok {
		return ConfigProfile{}, fmt.Errorf(ErrProfileNotFound, pm.file.Current)
	}
	return p, nil
}

// GetCurrentProfileID returns the current profile id
func (pm *ProfileManager) GetCurrentProfileID() string {
	return pm.file.Current
}

// GetProfileIDs returns profile ids in sorted order
func (pm *ProfileManager) GetProfileIDs() []string {
	ids := make([]string, 0, len(pm.file.Profiles))
	for id := range pm.file.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
