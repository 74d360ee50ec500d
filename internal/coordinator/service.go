// Package coordinator is the daemon-side owner of profiles, shortcut
// bindings, capability grants and settings. The HTTP API exposes it to the
// CLI; tests and the MCP server call it directly.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/boxset/internal/profile"
	"github.com/kalambet/boxset/internal/settings"
	"github.com/kalambet/boxset/internal/storage"
)

// ShortcutCapability names the lookup cache ResolveShortcut reads through.
const ShortcutCapability = "shortcuts"

const (
	syncCapability = "sync"
	syncEnabledKey = "syncEnabled"
	syncResetKey   = "sync-reset-at"
)

var (
	// ErrSlotOutOfRange is returned for a shortcut index outside the table.
	ErrSlotOutOfRange = errors.New("shortcut slot out of range")
	// ErrUnbound is returned when resolving a slot that has no binding.
	ErrUnbound = errors.New("shortcut slot is not bound")
)

// DefaultTransitionLease bounds a toggle transition lease requested
// without a ttl.
const DefaultTransitionLease = time.Minute

// CapabilityState is the coordinator's working view of one toggle, served
// to capability consumers until the next reset for that capability.
type CapabilityState struct {
	Name     string    `json:"name"`
	Enabled  bool      `json:"enabled"`
	LoadedAt time.Time `json:"loaded_at"`
}

type lease struct {
	token   string
	expires time.Time
}

// SyncStatus is the result of the last sync reset.
type SyncStatus struct {
	Enabled bool      `json:"enabled"`
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// Service implements the coordinator operations over a storage.Store.
type Service struct {
	store  *storage.Store
	slots  int
	logger *slog.Logger

	mu           sync.Mutex
	caches       map[string]map[int]profile.Profile
	capabilities map[string]CapabilityState
	// generations counts resets per capability so a lookup that raced a
	// reset does not fill the cache with what it read before it.
	generations  map[string]uint64
	leases       map[string]lease
	now          func() time.Time

	// testHookFetched runs between a cache miss's read and its fill.
	testHookFetched func(capability string)
}

// New creates a Service with a shortcut table of slots entries. A
// non-positive value means settings.DefaultShortcutSlots.
func New(store *storage.Store, slots int) *Service {
	if slots <= 0 {
		slots = settings.DefaultShortcutSlots
	}
	return &Service{
		store:  store,
		slots:  slots,
		logger:       slog.Default(),
		caches:       make(map[string]map[int]profile.Profile),
		capabilities: make(map[string]CapabilityState),
		generations:  make(map[string]uint64),
		leases:       make(map[string]lease),
		now:          time.Now,
	}
}

// Slots returns the shortcut table size.
func (s *Service) Slots() int { return s.slots }

// --- Profiles ---

func toProfile(p storage.Profile) profile.Profile {
	return profile.Profile{ID: p.ID, DisplayName: p.Name, Color: p.Color, Icon: p.Icon}
}

// QueryProfiles returns the registry in creation order.
func (s *Service) QueryProfiles(_ context.Context) ([]profile.Profile, error) {
	stored, err := s.store.ListProfiles()
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	out := make([]profile.Profile, 0, len(stored))
	for _, p := range stored {
		out = append(out, toProfile(p))
	}
	return out, nil
}

// ExportProfileSnapshot returns the full profile set for a backup.
func (s *Service) ExportProfileSnapshot(ctx context.Context) ([]profile.Profile, error) {
	return s.QueryProfiles(ctx)
}

// CreateProfile validates p and stores it under a fresh id.
func (s *Service) CreateProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
	}
	stored, err := s.store.CreateProfile(storage.Profile{
		ID:    uuid.New().String(),
		Name:  p.DisplayName,
		Color: p.Color,
		Icon:  p.Icon,
	})
	if err != nil {
		return profile.Profile{}, err
	}
	s.logger.Info("profile created", "id", stored.ID, "name", stored.Name)
	return toProfile(stored), nil
}

// DeleteProfile removes a profile. Shortcut bindings to it are left in place
// and show up as stale.
func (s *Service) DeleteProfile(_ context.Context, id string) error {
	if err := s.store.DeleteProfile(id); err != nil {
		return err
	}
	s.dropCache(ShortcutCapability)
	s.logger.Info("profile deleted", "id", id)
	return nil
}

// ApplyProfileImport creates every valid entry that does not duplicate an
// existing profile and returns how many were created. Submitted ids are
// ignored.
func (s *Service) ApplyProfileImport(ctx context.Context, profiles []profile.Profile) (int, error) {
	restored := 0
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		name := strings.TrimSpace(p.DisplayName)
		if name == "" {
			s.logger.Debug("skipping unnamed profile", "id", p.ID)
			continue
		}
		dup, err := s.store.HasProfileLike(name, p.Color, p.Icon)
		if err != nil {
			return restored, fmt.Errorf("checking for duplicate of %q: %w", name, err)
		}
		if dup {
			s.logger.Debug("skipping duplicate profile", "name", name)
			continue
		}
		p.DisplayName = name
		if _, err := s.CreateProfile(ctx, p); err != nil {
			return restored, fmt.Errorf("restoring %q: %w", name, err)
		}
		restored++
	}
	s.logger.Info("profile import applied", "submitted", len(profiles), "restored", restored)
	return restored, nil
}

// --- Shortcuts ---

// GetShortcutTable returns the stored bindings. Unbound slots are absent.
func (s *Service) GetShortcutTable(_ context.Context) (map[int]string, error) {
	m, err := s.store.GetShortcuts()
	if err != nil {
		return nil, fmt.Errorf("reading shortcuts: %w", err)
	}
	return m, nil
}

// SetShortcutSlot binds index to profileID, or clears it for "none". The
// profile is not checked for existence.
func (s *Service) SetShortcutSlot(_ context.Context, index int, profileID string) error {
	if index < 0 || index >= s.slots {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	var err error
	if profileID == "" || profileID == settings.NoneProfile {
		err = s.store.ClearShortcut(index)
	} else {
		err = s.store.SetShortcut(index, profileID)
	}
	if err != nil {
		return fmt.Errorf("writing slot %d: %w", index, err)
	}
	s.dropCache(ShortcutCapability)
	return nil
}

// ResolveShortcut returns the profile bound to index. Lookups are cached
// until the shortcuts capability cache is reset.
func (s *Service) ResolveShortcut(_ context.Context, index int) (profile.Profile, error) {
	if index < 0 || index >= s.slots {
		return profile.Profile{}, fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}

	s.mu.Lock()
	if p, ok := s.caches[ShortcutCapability][index]; ok {
		s.mu.Unlock()
		return p, nil
	}
	gen := s.generations[ShortcutCapability]
	s.mu.Unlock()

	bindings, err := s.store.GetShortcuts()
	if err != nil {
		return profile.Profile{}, fmt.Errorf("reading shortcuts: %w", err)
	}
	id, ok := bindings[index]
	if !ok {
		return profile.Profile{}, fmt.Errorf("%w: %d", ErrUnbound, index)
	}
	stored, err := s.store.GetProfile(id)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("resolving slot %d: %w", index, err)
	}
	p := toProfile(stored)
	s.fetched(ShortcutCapability)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[ShortcutCapability] != gen {
		return p, nil
	}
	c := s.caches[ShortcutCapability]
	if c == nil {
		c = make(map[int]profile.Profile)
		s.caches[ShortcutCapability] = c
	}
	c[index] = p
	return p, nil
}

// Capability returns the working state of the named toggle: its stored flag,
// and for permission-backed toggles only while the grant is held. The result
// is cached until ResetCapabilityCache(name), or ResetSyncState for sync.
func (s *Service) Capability(_ context.Context, name string) (CapabilityState, error) {
	def, ok := toggleDef(name)
	if !ok {
		return CapabilityState{}, fmt.Errorf("%w: %q", settings.ErrUnknownToggle, name)
	}

	s.mu.Lock()
	if st, ok := s.capabilities[name]; ok {
		s.mu.Unlock()
		return st, nil
	}
	gen := s.generations[name]
	s.mu.Unlock()

	enabled, err := s.loadCapability(def)
	if err != nil {
		return CapabilityState{}, err
	}
	st := CapabilityState{Name: name, Enabled: enabled, LoadedAt: s.now().UTC()}
	s.fetched(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[name] == gen {
		s.capabilities[name] = st
	}
	return st, nil
}

func (s *Service) loadCapability(def settings.ToggleDef) (bool, error) {
	v, err := s.store.GetSetting(def.StoreKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("reading %s: %w", def.StoreKey, err)
	}
	enabled, _ := strconv.ParseBool(v)
	if !enabled || def.Permission == "" {
		return enabled, nil
	}
	held, err := s.store.HasCapability(def.Permission)
	if err != nil {
		return false, fmt.Errorf("checking grant %s: %w", def.Permission, err)
	}
	return held, nil
}

func toggleDef(name string) (settings.ToggleDef, bool) {
	for _, d := range settings.DefaultToggles {
		if d.Name == name {
			return d, true
		}
	}
	return settings.ToggleDef{}, false
}

func (s *Service) fetched(capability string) {
	if s.testHookFetched != nil {
		s.testHookFetched(capability)
	}
}

// --- Notifications ---

// ResetCapabilityCache drops everything cached for name.
func (s *Service) ResetCapabilityCache(_ context.Context, name string) error {
	s.dropCache(name)
	s.logger.Debug("capability cache reset", "capability", name)
	return nil
}

func (s *Service) dropCache(name string) {
	s.mu.Lock()
	delete(s.caches, name)
	delete(s.capabilities, name)
	s.generations[name]++
	s.mu.Unlock()
}

// --- Transition leases ---

// AcquireTransition leases name's toggle transition to the caller. It fails
// with settings.ErrTransitionPending while another lease is live. A
// non-positive ttl means DefaultTransitionLease.
func (s *Service) AcquireTransition(_ context.Context, name string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTransitionLease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[name]; ok && now.Before(l.expires) {
		return "", fmt.Errorf("%s: %w", name, settings.ErrTransitionPending)
	}
	token := uuid.NewString()
	s.leases[name] = lease{token: token, expires: now.Add(ttl)}
	s.logger.Debug("transition lease acquired", "toggle", name, "ttl", ttl)
	return token, nil
}

// ReleaseTransition ends the lease token holds on name. Releasing a lease
// that expired or was taken over is a no-op.
func (s *Service) ReleaseTransition(_ context.Context, name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.token == token {
		delete(s.leases, name)
	}
	return nil
}

// ResetSyncState records a sync reset against the current sync setting.
func (s *Service) ResetSyncState(_ context.Context) error {
	if err := s.store.SetSetting(syncResetKey, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("recording sync reset: %w", err)
	}
	s.dropCache(syncCapability)
	s.logger.Info("sync state reset")
	return nil
}

// SyncStatus reports the sync setting and when it was last reset.
func (s *Service) SyncStatus(_ context.Context) (SyncStatus, error) {
	var st SyncStatus
	v, err := s.store.GetSetting(syncEnabledKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return SyncStatus{}, err
	default:
		st.Enabled, _ = strconv.ParseBool(v)
	}

	ts, err := s.store.GetSetting(syncResetKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return SyncStatus{}, err
	default:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return SyncStatus{}, fmt.Errorf("parsing %s: %w", syncResetKey, err)
		}
		st.ResetAt = t
	}
	return st, nil
}

// --- Settings storage ---

// Get reads a setting. A missing key reports ok == false.
func (s *Service) Get(_ context.Context, key string) (string, bool, error) {
	v, err := s.store.GetSetting(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes a setting.
func (s *Service) Set(_ context.Context, key, value string) error {
	if err := s.store.SetSetting(key, value); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// --- Grants ---

// Grant records capability as granted.
func (s *Service) Grant(_ context.Context, capability string) error {
	return s.store.GrantCapability(capability)
}

// Revoke removes a grant.
func (s *Service) Revoke(_ context.Context, capability string) error {
	return s.store.RevokeCapability(capability)
}

// Has reports whether capability is granted.
func (s *Service) Has(_ context.Context, capability string) (bool, error) {
	return s.store.HasCapability(capability)
}

// Grants lists every granted capability.
func (s *Service) Grants(_ context.Context) ([]storage.Grant, error) {
	return s.store.ListGrants()
}
