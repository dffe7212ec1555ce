package profile

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultProfiles []byte

// ErrUnknownProvider is returned for provider IDs with no profile.
var ErrUnknownProvider = errors.New("unknown provider")

type file struct {
	Profiles []Profile `yaml:"profiles"`
}

// Registry holds validated profiles keyed by provider ID.
type Registry struct {
	profiles map[string]Profile
}

// Defaults returns the built-in Amazon and Mercado Livre profiles.
func Defaults() *Registry {
	r, err := Parse(defaultProfiles)
	if err != nil {
		panic(fmt.Sprintf("built-in profiles are invalid: %v", err))
	}
	return r
}

// Load reads profiles from a YAML file. An empty path yields the defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load profiles from %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a profiles document.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, errors.New("no profiles defined")
	}

	r := &Registry{profiles: make(map[string]Profile, len(f.Profiles))}
	for _, p := range f.Profiles {
		p = p.withDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.ID)
		}
		r.profiles[p.ID] = p
	}
	return r, nil
}

// Get returns the profile for id.
func (r *Registry) Get(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs lists provider IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
