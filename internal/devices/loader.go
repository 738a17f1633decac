package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevinKickass/OpenServoCore/internal/types"
)

var ErrProfileNotFound = errors.New("profile not found")

// ProfileLoader resolves "<vendor>/<model>" against a list of directories and
// keeps every validated control table in memory.
type ProfileLoader struct {
	validator   *Validator
	searchPaths []string

	mu       sync.RWMutex
	profiles map[string]*types.ControlTableProfile
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
		profiles:    make(map[string]*types.ControlTableProfile),
	}, nil
}

// Load returns the profile at "<vendor>/<model>", reading it from the first
// search path that has the file.
func (l *ProfileLoader) Load(profilePath string) (*types.ControlTableProfile, error) {
	l.mu.RLock()
	profile, ok := l.profiles[profilePath]
	l.mu.RUnlock()
	if ok {
		return profile, nil
	}

	file, data, err := l.find(profilePath)
	if err != nil {
		return nil, err
	}

	profile, err = l.parse(file, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.profiles[profilePath]; ok {
		return existing, nil
	}
	l.profiles[profilePath] = profile
	return profile, nil
}

func (l *ProfileLoader) find(profilePath string) (string, []byte, error) {
	for _, dir := range l.searchPaths {
		file := filepath.Join(dir, filepath.FromSlash(profilePath)+".json")
		data, err := os.ReadFile(file)
		if err == nil {
			return file, data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
	}
	return "", nil, fmt.Errorf("%w: %s (searched in: %v)", ErrProfileNotFound, profilePath, l.searchPaths)
}

// parse runs the schema check first so that JSON type errors surface with
// schema paths rather than as unmarshal failures.
func (l *ProfileLoader) parse(file string, data []byte) (*types.ControlTableProfile, error) {
	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", file, err)
	}

	var profile types.ControlTableProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", file, err)
	}
	if err := CheckLayout(&profile); err != nil {
		return nil, fmt.Errorf("invalid layout in %s: %w", file, err)
	}
	return &profile, nil
}

func (l *ProfileLoader) SearchPaths() []string {
	return l.searchPaths
}

// ClearCache drops every loaded profile; servos keep the ones they hold.
func (l *ProfileLoader) ClearCache() {
	l.mu.Lock()
	l.profiles = make(map[string]*types.ControlTableProfile)
	l.mu.Unlock()
}
