package profile

import (
	"errors"
	"strings"
)

// Profile is a container identity the user can route activity into. The
// coordinator owns profiles; everything else references them by ID.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Color       string `json:"color,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// ErrNameRequired is returned by Validate for a profile without a display name.
var ErrNameRequired = errors.New("profile name is required")

// Validate checks the fields a profile must carry to be created.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.DisplayName) == "" {
		return ErrNameRequired
	}
	return nil
}

// SameIdentity reports whether two profiles would render identically to the
// user (ID is ignored).
func (p Profile) SameIdentity(o Profile) bool {
	return p.DisplayName == o.DisplayName && p.Color == o.Color && p.Icon == o.Icon
}
