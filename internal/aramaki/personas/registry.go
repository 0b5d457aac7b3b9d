// Package personas loads and indexes persona profiles.
//
// Each profile is a single YAML file in the personas directory:
//
//	motoko.yaml
//	batou.yaml
//
// Profiles failing validation abort startup — a half-configured persona
// answering in a moderated room is worse than a refused boot.
package personas

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"

	personaspec "github.com/bdobrica/Aramaki/common/spec/persona"
)

// Registry holds the validated persona profiles, indexed by name and by
// Matrix user ID.
type Registry struct {
	byName   map[string]*personaspec.Profile
	byUserID map[string]*personaspec.Profile
}

// Load reads every *.yaml file from root, parses and validates each as a
// persona profile, and returns the populated Registry. Any invalid file
// fails the whole load.
func Load(root fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		return nil, fmt.Errorf("personas: reading directory: %w", err)
	}

	reg := &Registry{
		byName:   make(map[string]*personaspec.Profile),
		byUserID: make(map[string]*personaspec.Profile),
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}

		raw, err := fs.ReadFile(root, e.Name())
		if err != nil {
			return nil, fmt.Errorf("personas: %s: %w", e.Name(), err)
		}

		profile, err := personaspec.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("personas: %s: %w", e.Name(), err)
		}

		name := profile.Metadata.Name
		if _, dup := reg.byName[name]; dup {
			return nil, fmt.Errorf("personas: duplicate persona name %q in %s", name, e.Name())
		}
		if prev, dup := reg.byUserID[profile.Matrix.UserID]; dup {
			return nil, fmt.Errorf("personas: user ID %q used by both %q and %q",
				profile.Matrix.UserID, prev.Metadata.Name, name)
		}

		reg.byName[name] = profile
		reg.byUserID[profile.Matrix.UserID] = profile
	}

	if len(reg.byName) == 0 {
		return nil, fmt.Errorf("personas: no profiles found")
	}

	return reg, nil
}

// Get returns the profile for the given persona name, or nil.
func (r *Registry) Get(name string) *personaspec.Profile {
	return r.byName[name]
}

// ByUserID returns the profile whose Matrix account is userID, or nil.
func (r *Registry) ByUserID(userID string) *personaspec.Profile {
	return r.byUserID[userID]
}

// Names returns all persona names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of loaded personas.
func (r *Registry) Count() int {
	return len(r.byName)
}

// All returns every profile in name order.
func (r *Registry) All() []*personaspec.Profile {
	profiles := make([]*personaspec.Profile, 0, len(r.byName))
	for _, name := range r.Names() {
		profiles = append(profiles, r.byName[name])
	}
	return profiles
}

// Moderates reports whether the named persona moderates the given room.
func (r *Registry) Moderates(name, roomID string) bool {
	profile := r.byName[name]
	if profile == nil {
		return false
	}
	for _, room := range profile.Moderation.Rooms {
		if room == roomID {
			return true
		}
	}
	return false
}
