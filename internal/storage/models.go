package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Profile is a stored container profile. Position keeps registry order stable
// across listings.
type Profile struct {
	ID        string
	Name      string
	Color     string
	Icon      string
	Position  int
	CreatedAt time.Time
}

type Grant struct {
	Capability string
	GrantedAt  time.Time
}
