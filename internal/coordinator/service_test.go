package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/boxset/internal/permission"
	"github.com/kalambet/boxset/internal/profile"
	"github.com/kalambet/boxset/internal/settings"
	"github.com/kalambet/boxset/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, 10)
}

func mustCreate(t *testing.T, s *Service, name, color, icon string) profile.Profile {
	t.Helper()
	p, err := s.CreateProfile(context.Background(), profile.Profile{DisplayName: name, Color: color, Icon: icon})
	if err != nil {
		t.Fatalf("CreateProfile(%s): %v", name, err)
	}
	return p
}

func TestCreateProfile(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p := mustCreate(t, s, "  Work ", "blue", "briefcase")
	if p.ID == "" || p.DisplayName != "Work" {
		t.Errorf("created = %+v", p)
	}

	if _, err := s.CreateProfile(ctx, profile.Profile{DisplayName: "   "}); !errors.Is(err, profile.ErrNameRequired) {
		t.Errorf("blank name error = %v, want ErrNameRequired", err)
	}

	mustCreate(t, s, "Personal", "green", "fingerprint")
	list, err := s.QueryProfiles(ctx)
	if err != nil {
		t.Fatalf("QueryProfiles: %v", err)
	}
	if len(list) != 2 || list[0].DisplayName != "Work" || list[1].DisplayName != "Personal" {
		t.Errorf("profiles = %+v", list)
	}
}

func TestDeleteProfile(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	p := mustCreate(t, s, "Work", "blue", "briefcase")

	if err := s.DeleteProfile(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if err := s.DeleteProfile(ctx, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestApplyProfileImport(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	existing := mustCreate(t, s, "Work", "blue", "briefcase")

	n, err := s.ApplyProfileImport(ctx, []profile.Profile{
		{ID: existing.ID, DisplayName: "Work", Color: "blue", Icon: "briefcase"},
		{ID: "old-1", DisplayName: "Shopping", Color: "pink", Icon: "cart"},
		{ID: "old-2", DisplayName: ""},
		{ID: "old-3", DisplayName: "Work", Color: "red", Icon: "briefcase"},
		{ID: "old-1", DisplayName: "Shopping", Color: "pink", Icon: "cart"},
	})
	if err != nil {
		t.Fatalf("ApplyProfileImport: %v", err)
	}
	if n != 2 {
		t.Errorf("restored = %d, want 2", n)
	}

	list, _ := s.QueryProfiles(ctx)
	if len(list) != 3 {
		t.Fatalf("got %d profiles, want 3", len(list))
	}
	for _, p := range list[1:] {
		if p.ID == "old-1" || p.ID == "old-3" {
			t.Errorf("imported profile kept submitted id %q", p.ID)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestService(t)
	mustCreate(t, src, "Work", "blue", "briefcase")
	mustCreate(t, src, "Personal", "green", "fingerprint")
	mustCreate(t, src, "Banking", "red", "dollar")

	sink := &memorySink{}
	a, err := settings.NewExporter(src, sink, time.Second).ExportBackup(context.Background())
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}

	dst := newTestService(t)
	res, err := settings.NewImporter(dst, time.Second).ImportBackup(context.Background(), a.Content)
	if err != nil {
		t.Fatalf("ImportBackup: %v", err)
	}
	if res.RestoredCount != 3 {
		t.Errorf("restored = %d, want 3", res.RestoredCount)
	}

	// Restoring the same backup again creates nothing.
	res, err = settings.NewImporter(dst, time.Second).ImportBackup(context.Background(), a.Content)
	if err != nil {
		t.Fatalf("second ImportBackup: %v", err)
	}
	if res.RestoredCount != 0 || !res.Partial() {
		t.Errorf("second restore = %+v, want 0 restored", res)
	}
}

type memorySink struct{ content []byte }

func (m *memorySink) Deliver(_ context.Context, a settings.Artifact) (string, error) {
	m.content = a.Content
	return a.Name, nil
}

func TestShortcutSlots(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	p := mustCreate(t, s, "Work", "blue", "briefcase")

	if err := s.SetShortcutSlot(ctx, 2, p.ID); err != nil {
		t.Fatalf("SetShortcutSlot: %v", err)
	}
	m, err := s.GetShortcutTable(ctx)
	if err != nil {
		t.Fatalf("GetShortcutTable: %v", err)
	}
	if m[2] != p.ID || len(m) != 1 {
		t.Errorf("mapping = %v", m)
	}

	if err := s.SetShortcutSlot(ctx, 2, settings.NoneProfile); err != nil {
		t.Fatalf("SetShortcutSlot(none): %v", err)
	}
	m, _ = s.GetShortcutTable(ctx)
	if len(m) != 0 {
		t.Errorf("mapping after clear = %v", m)
	}

	if err := s.SetShortcutSlot(ctx, 10, p.ID); !errors.Is(err, ErrSlotOutOfRange) {
		t.Errorf("error = %v, want ErrSlotOutOfRange", err)
	}
}

func TestShortcutTableOverService(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	p := mustCreate(t, s, "Work", "blue", "briefcase")
	gone := mustCreate(t, s, "Temp", "", "")

	table := settings.NewShortcutTable(s, s.Slots(), time.Second)
	if err := table.SetSlot(ctx, 0, p.ID); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if err := table.SetSlot(ctx, 1, gone.ID); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if err := s.DeleteProfile(ctx, gone.ID); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}

	got, err := table.LoadTable(ctx)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if got.Slots[0].Selected() != p.ID {
		t.Errorf("slot 0 = %+v", got.Slots[0])
	}
	if !got.Slots[1].Stale || got.Slots[1].Selected() != settings.NoneProfile {
		t.Errorf("slot 1 = %+v, want stale", got.Slots[1])
	}
}

func TestResolveShortcut_CacheReset(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	p := mustCreate(t, s, "Work", "blue", "briefcase")

	if _, err := s.ResolveShortcut(ctx, 4); !errors.Is(err, ErrUnbound) {
		t.Errorf("unbound error = %v, want ErrUnbound", err)
	}

	if err := s.SetShortcutSlot(ctx, 4, p.ID); err != nil {
		t.Fatalf("SetShortcutSlot: %v", err)
	}
	got, err := s.ResolveShortcut(ctx, 4)
	if err != nil || got.ID != p.ID {
		t.Fatalf("ResolveShortcut = %+v, %v", got, err)
	}

	// Delete the profile behind the cache's back; the cached answer stands
	// until the capability cache is reset.
	if err := s.store.DeleteProfile(p.ID); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if got, err := s.ResolveShortcut(ctx, 4); err != nil || got.ID != p.ID {
		t.Errorf("cached ResolveShortcut = %+v, %v", got, err)
	}

	if err := s.ResetCapabilityCache(ctx, ShortcutCapability); err != nil {
		t.Fatalf("ResetCapabilityCache: %v", err)
	}
	if _, err := s.ResolveShortcut(ctx, 4); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after reset error = %v, want ErrNotFound", err)
	}
}

func TestResolveShortcut_ResetDuringLookup(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	work := mustCreate(t, s, "Work", "blue", "briefcase")
	home := mustCreate(t, s, "Personal", "green", "fingerprint")
	if err := s.SetShortcutSlot(ctx, 2, work.ID); err != nil {
		t.Fatalf("SetShortcutSlot: %v", err)
	}

	// Rebind the slot after the lookup has read the old binding but before
	// it fills the cache.
	s.testHookFetched = func(capability string) {
		if capability != ShortcutCapability {
			return
		}
		s.testHookFetched = nil
		if err := s.SetShortcutSlot(ctx, 2, home.ID); err != nil {
			t.Errorf("SetShortcutSlot: %v", err)
		}
	}
	if got, err := s.ResolveShortcut(ctx, 2); err != nil || got.ID != work.ID {
		t.Fatalf("racing ResolveShortcut = %+v, %v", got, err)
	}

	got, err := s.ResolveShortcut(ctx, 2)
	if err != nil {
		t.Fatalf("ResolveShortcut: %v", err)
	}
	if got.ID != home.ID {
		t.Errorf("ResolveShortcut = %s, want %s (stale binding cached)", got.ID, home.ID)
	}
}

func TestCapability_CachedUntilReset(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	c := settings.NewController(permission.NewGate(s, permission.StaticPrompter(true)), s, s, time.Second)

	st, err := s.Capability(ctx, "bookmarks")
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}
	if st.Enabled {
		t.Fatalf("bookmarks enabled before any toggle: %+v", st)
	}

	if _, err := c.SetToggle(ctx, "bookmarks", true); err != nil {
		t.Fatalf("SetToggle(on): %v", err)
	}
	if st, _ := s.Capability(ctx, "bookmarks"); !st.Enabled {
		t.Errorf("bookmarks after enabling = %+v, want enabled", st)
	}

	// A write that bypasses the toggle flow is not seen until a reset.
	if err := s.Set(ctx, "bookmarksEnabled", "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if st, _ := s.Capability(ctx, "bookmarks"); !st.Enabled {
		t.Errorf("cached bookmarks state dropped without a reset: %+v", st)
	}
	if err := s.Set(ctx, "bookmarksEnabled", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := c.SetToggle(ctx, "bookmarks", false); err != nil {
		t.Fatalf("SetToggle(off): %v", err)
	}
	if st, _ := s.Capability(ctx, "bookmarks"); st.Enabled {
		t.Errorf("bookmarks after disabling = %+v, want disabled", st)
	}
}

func TestCapability_ReplaceTabAndSync(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	c := settings.NewController(permission.NewGate(s, permission.StaticPrompter(true)), s, s, time.Second)

	for _, name := range []string{"replace_tab", "sync"} {
		if st, err := s.Capability(ctx, name); err != nil || st.Enabled {
			t.Fatalf("Capability(%s) = %+v, %v", name, st, err)
		}
		if _, err := c.SetToggle(ctx, name, true); err != nil {
			t.Fatalf("SetToggle(%s): %v", name, err)
		}
		if st, _ := s.Capability(ctx, name); !st.Enabled {
			t.Errorf("Capability(%s) after enabling = %+v", name, st)
		}
	}

	if _, err := s.Capability(ctx, "teleport"); !errors.Is(err, settings.ErrUnknownToggle) {
		t.Errorf("unknown capability error = %v, want ErrUnknownToggle", err)
	}
}

func TestCapability_GrantRequired(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.Set(ctx, "bookmarksEnabled", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if st, _ := s.Capability(ctx, "bookmarks"); st.Enabled {
		t.Errorf("bookmarks enabled without a grant: %+v", st)
	}
}

func TestTransitionLease(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	token, err := s.AcquireTransition(ctx, "bookmarks", 10*time.Second)
	if err != nil || token == "" {
		t.Fatalf("AcquireTransition = %q, %v", token, err)
	}
	if _, err := s.AcquireTransition(ctx, "bookmarks", 10*time.Second); !errors.Is(err, settings.ErrTransitionPending) {
		t.Errorf("second acquire error = %v, want ErrTransitionPending", err)
	}
	if _, err := s.AcquireTransition(ctx, "sync", 10*time.Second); err != nil {
		t.Errorf("other toggle blocked: %v", err)
	}

	// A wrong token leaves the lease in place.
	s.ReleaseTransition(ctx, "bookmarks", "not-the-token")
	if _, err := s.AcquireTransition(ctx, "bookmarks", 10*time.Second); !errors.Is(err, settings.ErrTransitionPending) {
		t.Errorf("lease released by a stranger: %v", err)
	}

	if err := s.ReleaseTransition(ctx, "bookmarks", token); err != nil {
		t.Fatalf("ReleaseTransition: %v", err)
	}
	token, err = s.AcquireTransition(ctx, "bookmarks", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	// An abandoned lease lapses.
	now = now.Add(11 * time.Second)
	next, err := s.AcquireTransition(ctx, "bookmarks", 0)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	s.ReleaseTransition(ctx, "bookmarks", token)
	if _, err := s.AcquireTransition(ctx, "bookmarks", 0); !errors.Is(err, settings.ErrTransitionPending) {
		t.Errorf("expired holder's release dropped the new lease: %v", err)
	}
	s.ReleaseTransition(ctx, "bookmarks", next)
}

// blockingPrompter holds the permission prompt open until released.
type blockingPrompter struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPrompter) Ask(ctx context.Context, _ string) (bool, error) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestControllers_SharedTransitionLease(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	prompt := &blockingPrompter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	enabling := settings.NewController(permission.NewGate(s, prompt), s, s, time.Second, settings.WithTransitionLock(s))
	disabling := settings.NewController(permission.NewGate(s, permission.StaticPrompter(true)), s, s, time.Second, settings.WithTransitionLock(s))

	type result struct {
		ft  settings.FeatureToggle
		err error
	}
	done := make(chan result, 1)
	go func() {
		ft, err := enabling.SetToggle(ctx, "bookmarks", true)
		done <- result{ft, err}
	}()
	<-prompt.entered

	if _, err := disabling.SetToggle(ctx, "bookmarks", false); !errors.Is(err, settings.ErrTransitionPending) {
		t.Errorf("concurrent disable error = %v, want ErrTransitionPending", err)
	}

	close(prompt.release)
	r := <-done
	if r.err != nil || !r.ft.Enabled {
		t.Fatalf("enable = %+v, %v", r.ft, r.err)
	}
	held, _ := s.Has(ctx, "bookmarks")
	stored, _, _ := s.Get(ctx, "bookmarksEnabled")
	if !held || stored != "true" {
		t.Errorf("enabled toggle without its grant: held=%v stored=%q", held, stored)
	}

	if _, err := disabling.SetToggle(ctx, "bookmarks", false); err != nil {
		t.Fatalf("disable after the lease was released: %v", err)
	}
	if held, _ := s.Has(ctx, "bookmarks"); held {
		t.Error("grant still held after disabling")
	}
}

func TestSyncStatus(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	st, err := s.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if st.Enabled || !st.ResetAt.IsZero() {
		t.Errorf("initial status = %+v", st)
	}

	c := settings.NewController(permission.NewGate(s, permission.StaticPrompter(true)), s, s, time.Second)
	if _, err := c.SetToggle(ctx, "sync", true); err != nil {
		t.Fatalf("SetToggle(sync): %v", err)
	}

	st, err = s.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if !st.Enabled || st.ResetAt.IsZero() {
		t.Errorf("status after enabling sync = %+v", st)
	}
}

func TestControllerOverService(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	c := settings.NewController(permission.NewGate(s, permission.StaticPrompter(true)), s, s, time.Second)

	ft, err := c.SetToggle(ctx, "bookmarks", true)
	if err != nil || !ft.Enabled {
		t.Fatalf("SetToggle(on) = %+v, %v", ft, err)
	}
	if held, _ := s.Has(ctx, "bookmarks"); !held {
		t.Error("grant not stored")
	}
	if v, ok, _ := s.Get(ctx, "bookmarksEnabled"); !ok || v != "true" {
		t.Errorf("bookmarksEnabled = %q, %v", v, ok)
	}

	if _, err := c.SetToggle(ctx, "bookmarks", false); err != nil {
		t.Fatalf("SetToggle(off): %v", err)
	}
	if held, _ := s.Has(ctx, "bookmarks"); held {
		t.Error("grant still stored after disabling")
	}

	denied := settings.NewController(permission.NewGate(s, permission.StaticPrompter(false)), s, s, time.Second)
	if _, err := denied.SetToggle(ctx, "bookmarks", true); !errors.Is(err, settings.ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
	if v, _, _ := s.Get(ctx, "bookmarksEnabled"); v != "false" {
		t.Errorf("bookmarksEnabled after denial = %q, want false", v)
	}
}

func TestSettingsAndGrants(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v", ok, err)
	}
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || v != "v" {
		t.Errorf("Get(k) = %q, %v", v, ok)
	}

	if err := s.Grant(ctx, "bookmarks"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	grants, err := s.Grants(ctx)
	if err != nil || len(grants) != 1 || grants[0].Capability != "bookmarks" {
		t.Errorf("Grants = %+v, %v", grants, err)
	}
	if err := s.Revoke(ctx, "bookmarks"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if held, _ := s.Has(ctx, "bookmarks"); held {
		t.Error("grant survived Revoke")
	}
}
