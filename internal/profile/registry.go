package profile

import (
	"context"
	"fmt"
)

// Source is the coordinator query the Registry reads from.
type Source interface {
	QueryProfiles(ctx context.Context) ([]Profile, error)
}

// Registry is a read-only view of the coordinator's profile set. It holds no
// state between calls: every List goes back to the source.
type Registry struct {
	source Source
}

// NewRegistry creates a Registry backed by src.
func NewRegistry(src Source) *Registry {
	return &Registry{source: src}
}

// List returns the current profiles in coordinator order. A nil result from
// the source is returned as an empty slice.
func (r *Registry) List(ctx context.Context) ([]Profile, error) {
	profiles, err := r.source.QueryProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out, nil
}

// Lookup returns the profile with the given id, if present.
func (r *Registry) Lookup(ctx context.Context, id string) (Profile, bool, error) {
	profiles, err := r.List(ctx)
	if err != nil {
		return Profile{}, false, err
	}
	for _, p := range profiles {
		if p.ID == id {
			return p, true, nil
		}
	}
	return Profile{}, false, nil
}

// IDs returns the set of profile ids in profiles.
func IDs(profiles []Profile) map[string]struct{} {
	set := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		set[p.ID] = struct{}{}
	}
	return set
}
