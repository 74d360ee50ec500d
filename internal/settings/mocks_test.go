package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/boxset/internal/profile"
)

// --- Mock permissions ---

type mockPermissions struct {
	mu        sync.Mutex
	granted   map[string]bool
	answer    bool
	err       error
	removeErr error
	requests  int
	removes   int

	// block, when set, is received from inside Request before answering.
	block chan struct{}
	// entered is signalled when Request starts.
	entered chan struct{}
}

func newMockPermissions(answer bool) *mockPermissions {
	return &mockPermissions{granted: make(map[string]bool), answer: answer}
}

func (m *mockPermissions) Request(ctx context.Context, capability string) (bool, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.err != nil {
		return false, m.err
	}
	if m.answer {
		m.granted[capability] = true
	}
	return m.answer, nil
}

func (m *mockPermissions) Remove(_ context.Context, capability string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.granted, capability)
	return nil
}

func (m *mockPermissions) Contains(_ context.Context, capability string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[capability], nil
}

// --- Mock store ---

type mockStore struct {
	mu     sync.Mutex
	data   map[string]string
	setErr error
	sets   int
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]string)}
}

func (m *mockStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

// --- Mock coordinator ---

type mockCoordinator struct {
	mu sync.Mutex

	profiles []profile.Profile
	mapping  map[int]string
	err      error

	capabilityResets []string
	syncResets       int
	slotWrites       []slotWrite
	applyCalls       int
	applied          []profile.Profile

	// slotGate, when set, is received from inside SetShortcutSlot.
	slotGate    chan struct{}
	inFlight    int
	maxInFlight int
}

type slotWrite struct {
	index     int
	profileID string
}

func newMockCoordinator(profiles ...profile.Profile) *mockCoordinator {
	return &mockCoordinator{profiles: profiles, mapping: make(map[int]string)}
}

func (m *mockCoordinator) QueryProfiles(_ context.Context) ([]profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]profile.Profile(nil), m.profiles...), nil
}

func (m *mockCoordinator) ResetCapabilityCache(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.capabilityResets = append(m.capabilityResets, name)
	return nil
}

func (m *mockCoordinator) ResetSyncState(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.syncResets++
	return nil
}

func (m *mockCoordinator) GetShortcutTable(_ context.Context) (map[int]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[int]string, len(m.mapping))
	for k, v := range m.mapping {
		out[k] = v
	}
	return out, nil
}

func (m *mockCoordinator) SetShortcutSlot(ctx context.Context, index int, profileID string) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	gate := m.slotGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			m.mu.Lock()
			m.inFlight--
			m.mu.Unlock()
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if m.err != nil {
		return m.err
	}
	m.slotWrites = append(m.slotWrites, slotWrite{index, profileID})
	if profileID == NoneProfile {
		delete(m.mapping, index)
	} else {
		m.mapping[index] = profileID
	}
	return nil
}

func (m *mockCoordinator) ExportProfileSnapshot(_ context.Context) ([]profile.Profile, error) {
	return m.QueryProfiles(context.Background())
}

// ApplyProfileImport skips entries matching an existing profile's identity.
func (m *mockCoordinator) ApplyProfileImport(_ context.Context, profiles []profile.Profile) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if m.err != nil {
		return 0, m.err
	}
	restored := 0
	for _, p := range profiles {
		dup := false
		for _, existing := range m.profiles {
			if existing.SameIdentity(p) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.applied = append(m.applied, p)
		restored++
	}
	return restored, nil
}

// --- Mock sink ---

type mockSink struct {
	delivered []Artifact
	err       error
}

func (m *mockSink) Deliver(_ context.Context, a Artifact) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.delivered = append(m.delivered, a)
	return "/downloads/" + a.Name, nil
}

// --- Mock transition lock ---

type mockLock struct {
	mu       sync.Mutex
	held     map[string]string
	next     int
	err      error
	acquires int
	releases int
	lastTTL  time.Duration
}

func newMockLock() *mockLock {
	return &mockLock{held: make(map[string]string)}
}

func (m *mockLock) AcquireTransition(_ context.Context, name string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	m.lastTTL = ttl
	if m.err != nil {
		return "", m.err
	}
	if _, busy := m.held[name]; busy {
		return "", ErrTransitionPending
	}
	m.next++
	token := fmt.Sprintf("lease-%d", m.next)
	m.held[name] = token
	return token, nil
}

func (m *mockLock) ReleaseTransition(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	if m.held[name] == token {
		delete(m.held, name)
	}
	return nil
}
