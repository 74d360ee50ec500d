// Package settings implements the settings control plane: the
// permission-gated toggle controller, the shortcut binding table, and the
// backup/restore round trip. It owns no storage; every read and write is a
// round trip to the collaborators defined here.
package settings

import (
	"context"
	"time"

	"github.com/kalambet/boxset/internal/profile"
)

// Permissions is the host permission subsystem.
type Permissions interface {
	// Request asks for capability and reports whether it was granted.
	Request(ctx context.Context, capability string) (bool, error)
	// Remove revokes capability. Removing an absent grant succeeds.
	Remove(ctx context.Context, capability string) error
	Contains(ctx context.Context, capability string) (bool, error)
}

// Store is the persistent key-value store.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Coordinator is the background process that owns the profile registry and
// the shortcut mapping.
type Coordinator interface {
	profile.Source

	ResetCapabilityCache(ctx context.Context, name string) error
	ResetSyncState(ctx context.Context) error
	GetShortcutTable(ctx context.Context) (map[int]string, error)
	SetShortcutSlot(ctx context.Context, index int, profileID string) error
	ExportProfileSnapshot(ctx context.Context) ([]profile.Profile, error)
	// ApplyProfileImport submits profiles for bulk apply and returns how many
	// the coordinator actually created.
	ApplyProfileImport(ctx context.Context, profiles []profile.Profile) (int, error)
}

// TransitionLock hands out per-toggle leases shared by every controller
// talking to the same coordinator. AcquireTransition fails with
// ErrTransitionPending while another live lease on name is held; a lease
// lapses after ttl if its holder never releases it.
type TransitionLock interface {
	AcquireTransition(ctx context.Context, name string, ttl time.Duration) (token string, err error)
	ReleaseTransition(ctx context.Context, name, token string) error
}

// ArtifactSink delivers a named export artifact (e.g. writes it to the
// download directory) and returns where it went.
type ArtifactSink interface {
	Deliver(ctx context.Context, a Artifact) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DefaultTimeout bounds a single round trip when callers pass zero.
const DefaultTimeout = 10 * time.Second

// OnboardingStageKey is the store key holding the onboarding progress.
const OnboardingStageKey = "onboarding-stage"

// ResetOnboarding rewinds onboarding to its first stage.
func ResetOnboarding(ctx context.Context, st Store) error {
	if err := st.Set(ctx, OnboardingStageKey, "0"); err != nil {
		return classify("resetting onboarding", err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
