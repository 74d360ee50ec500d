package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ResetKind selects which coordinator reset follows a toggle transition.
type ResetKind int

const (
	// ResetCapability drops coordinator caches keyed by the toggle name.
	ResetCapability ResetKind = iota
	// ResetSync resets the coordinator's sync state.
	ResetSync
)

// ToggleDef describes one optional capability.
type ToggleDef struct {
	Name string
	// Permission names the grant backing this toggle; empty for toggles that
	// persist immediately.
	Permission string
	StoreKey   string
	Reset      ResetKind
}

// DefaultToggles is the catalog shown on the settings page.
var DefaultToggles = []ToggleDef{
	{Name: "bookmarks", Permission: "bookmarks", StoreKey: "bookmarksEnabled", Reset: ResetCapability},
	{Name: "sync", StoreKey: "syncEnabled", Reset: ResetSync},
	{Name: "replace_tab", StoreKey: "replaceTabEnabled", Reset: ResetCapability},
}

// FeatureToggle is the user-visible state of one capability. When Permission
// is set, Enabled implies the permission is currently granted.
type FeatureToggle struct {
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Permission string `json:"permission,omitempty"`
}

// ToggleState is the transition state of a toggle.
type ToggleState int

const (
	StateOff ToggleState = iota
	StateRequestPending
	StateOn
)

func (s ToggleState) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateRequestPending:
		return "pending"
	default:
		return "off"
	}
}

// Controller owns toggle state and drives the permission-gated transitions.
// Transitions for the same toggle are single-flight: a second SetToggle while
// one is in flight fails with ErrTransitionPending. With a TransitionLock the
// rule holds across controllers in different processes too.
type Controller struct {
	perms   Permissions
	store   Store
	coord   Coordinator
	lock    TransitionLock
	defs    map[string]ToggleDef
	order   []string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	current map[string]FeatureToggle
	subs    map[int]func(FeatureToggle)
	nextSub int
}

// Option configures a Controller.
type Option func(*Controller)

// WithTransitionLock takes a lease from l around every transition.
func WithTransitionLock(l TransitionLock) Option {
	return func(c *Controller) { c.lock = l }
}

// NewController creates a Controller for DefaultToggles.
func NewController(perms Permissions, store Store, coord Coordinator, timeout time.Duration, opts ...Option) *Controller {
	return NewControllerWithToggles(perms, store, coord, timeout, DefaultToggles, opts...)
}

// NewControllerWithToggles creates a Controller for a custom toggle catalog.
func NewControllerWithToggles(perms Permissions, store Store, coord Coordinator, timeout time.Duration, defs []ToggleDef, opts ...Option) *Controller {
	c := &Controller{
		perms:   perms,
		store:   store,
		coord:   coord,
		defs:    make(map[string]ToggleDef, len(defs)),
		timeout: timeout,
		logger:  slog.Default(),
		pending: make(map[string]struct{}),
		current: make(map[string]FeatureToggle),
		subs:    make(map[int]func(FeatureToggle)),
	}
	for _, d := range defs {
		c.defs[d.Name] = d
		c.order = append(c.order, d.Name)
		c.current[d.Name] = FeatureToggle{Name: d.Name, Permission: d.Permission}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn to receive every toggle state change. The returned
// function removes the subscription.
func (c *Controller) Subscribe(fn func(FeatureToggle)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Load reads every toggle from the permission subsystem and the store. A
// permission-backed toggle is on only if its grant is present. Toggles with
// a transition in flight keep their state; the transition publishes its own.
func (c *Controller) Load(ctx context.Context) ([]FeatureToggle, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	out := make([]FeatureToggle, 0, len(c.order))
	for _, name := range c.order {
		def := c.defs[name]
		t := FeatureToggle{Name: def.Name, Permission: def.Permission}

		if def.Permission != "" {
			granted, err := c.perms.Contains(ctx, def.Permission)
			if err != nil {
				return nil, classify(fmt.Sprintf("checking permission %q", def.Permission), err)
			}
			t.Enabled = granted
		} else {
			v, ok, err := c.store.Get(ctx, def.StoreKey)
			if err != nil {
				return nil, classify(fmt.Sprintf("reading %q", def.StoreKey), err)
			}
			t.Enabled = c.parseStored(def.StoreKey, v, ok)
		}

		if !c.applyUnlessPending(t) {
			t = c.snapshot(name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Toggles returns the last known state of every toggle in catalog order.
func (c *Controller) Toggles() []FeatureToggle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FeatureToggle, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.current[name])
	}
	return out
}

// State reports the transition state of name.
func (c *Controller) State(name string) ToggleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[name]; ok {
		return StateRequestPending
	}
	if c.current[name].Enabled {
		return StateOn
	}
	return StateOff
}

// SetToggle moves name to the requested state. The returned toggle is the
// state after the attempt, which on error may be unchanged or reverted.
func (c *Controller) SetToggle(ctx context.Context, name string, on bool) (FeatureToggle, error) {
	def, ok := c.defs[name]
	if !ok {
		return FeatureToggle{}, fmt.Errorf("%w: %q", ErrUnknownToggle, name)
	}
	if !c.begin(name) {
		return c.snapshot(name), fmt.Errorf("%s: %w", name, ErrTransitionPending)
	}
	defer c.end(name)

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	release, err := c.acquire(ctx, name)
	if err != nil {
		return c.snapshot(name), err
	}
	defer release()

	var t FeatureToggle
	switch {
	case def.Permission != "" && on:
		t, err = c.grant(ctx, def)
	case def.Permission != "":
		t, err = c.revoke(ctx, def)
	default:
		t, err = c.persist(ctx, def, on)
	}
	c.apply(t)
	return t, err
}

// grant runs Off -> RequestPending -> {On, Off}.
func (c *Controller) grant(ctx context.Context, def ToggleDef) (FeatureToggle, error) {
	off := FeatureToggle{Name: def.Name, Permission: def.Permission}

	granted, err := c.perms.Request(ctx, def.Permission)
	if err != nil {
		return off, classify(fmt.Sprintf("requesting permission %q", def.Permission), err)
	}
	if !granted {
		c.logger.Info("permission denied, toggle left off", "toggle", def.Name, "permission", def.Permission)
		return off, fmt.Errorf("%s: %w", def.Name, ErrPermissionDenied)
	}

	if err := c.store.Set(ctx, def.StoreKey, "true"); err != nil {
		// The grant must not outlive a failed write.
		c.rollbackGrant(ctx, def)
		return off, classify(fmt.Sprintf("persisting %q", def.StoreKey), err)
	}

	on := off
	on.Enabled = true
	if err := c.notify(ctx, def); err != nil {
		return on, err
	}
	c.logger.Info("toggle enabled", "toggle", def.Name)
	return on, nil
}

// revoke removes the grant first so a later enable is always a fresh request.
func (c *Controller) revoke(ctx context.Context, def ToggleDef) (FeatureToggle, error) {
	if err := c.perms.Remove(ctx, def.Permission); err != nil {
		return c.snapshot(def.Name), classify(fmt.Sprintf("removing permission %q", def.Permission), err)
	}

	off := FeatureToggle{Name: def.Name, Permission: def.Permission}
	if err := c.store.Set(ctx, def.StoreKey, "false"); err != nil {
		return off, classify(fmt.Sprintf("persisting %q", def.StoreKey), err)
	}
	if err := c.notify(ctx, def); err != nil {
		return off, err
	}
	c.logger.Info("toggle disabled", "toggle", def.Name)
	return off, nil
}

func (c *Controller) persist(ctx context.Context, def ToggleDef, on bool) (FeatureToggle, error) {
	if err := c.store.Set(ctx, def.StoreKey, strconv.FormatBool(on)); err != nil {
		return c.snapshot(def.Name), classify(fmt.Sprintf("persisting %q", def.StoreKey), err)
	}
	t := FeatureToggle{Name: def.Name, Enabled: on}
	if err := c.notify(ctx, def); err != nil {
		return t, err
	}
	c.logger.Debug("toggle persisted", "toggle", def.Name, "enabled", on)
	return t, nil
}

func (c *Controller) notify(ctx context.Context, def ToggleDef) error {
	var err error
	switch def.Reset {
	case ResetSync:
		err = c.coord.ResetSyncState(ctx)
	default:
		err = c.coord.ResetCapabilityCache(ctx, def.Name)
	}
	if err != nil {
		return classify(fmt.Sprintf("notifying coordinator about %q", def.Name), err)
	}
	return nil
}

func (c *Controller) rollbackGrant(ctx context.Context, def ToggleDef) {
	// The operation context may already be past its deadline.
	rbCtx, cancel := withTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := c.perms.Remove(rbCtx, def.Permission); err != nil {
		c.logger.Error("rolling back permission grant failed", "toggle", def.Name, "permission", def.Permission, "error", err)
	}
}

func (c *Controller) parseStored(key, v string, ok bool) bool {
	if !ok || v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.logger.Warn("malformed toggle value, treating as off", "key", key, "value", v, "error", err)
		return false
	}
	return b
}

// acquire takes the shared lease for name. The lease outlives the operation
// timeout by one rollback window.
func (c *Controller) acquire(ctx context.Context, name string) (func(), error) {
	if c.lock == nil {
		return func() {}, nil
	}
	token, err := c.lock.AcquireTransition(ctx, name, 2*c.timeout)
	if errors.Is(err, ErrTransitionPending) {
		return nil, fmt.Errorf("%s: %w", name, ErrTransitionPending)
	}
	if err != nil {
		return nil, classify(fmt.Sprintf("acquiring transition lease for %q", name), err)
	}
	return func() {
		relCtx, cancel := withTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if err := c.lock.ReleaseTransition(relCtx, name, token); err != nil {
			c.logger.Warn("releasing transition lease failed", "toggle", name, "error", err)
		}
	}, nil
}

func (c *Controller) begin(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[name]; busy {
		return false
	}
	c.pending[name] = struct{}{}
	return true
}

func (c *Controller) end(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, name)
}

func (c *Controller) snapshot(name string) FeatureToggle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[name]
}

func (c *Controller) apply(t FeatureToggle) {
	c.mu.Lock()
	c.publishLocked(t)
}

// applyUnlessPending is apply for reads racing a transition: it reports
// false and changes nothing while name is pending.
func (c *Controller) applyUnlessPending(t FeatureToggle) bool {
	c.mu.Lock()
	if _, busy := c.pending[t.Name]; busy {
		c.mu.Unlock()
		return false
	}
	c.publishLocked(t)
	return true
}

// publishLocked stores t, releases c.mu and notifies subscribers.
func (c *Controller) publishLocked(t FeatureToggle) {
	c.current[t.Name] = t
	subs := make([]func(FeatureToggle), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(t)
	}
}
