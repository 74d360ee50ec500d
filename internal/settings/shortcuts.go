package settings

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/boxset/internal/profile"
)

// NoneProfile is the slot value meaning "no profile bound".
const NoneProfile = "none"

// DefaultShortcutSlots is the number of keyboard shortcut slots.
const DefaultShortcutSlots = 10

// ShortcutSlot is one keyboard-triggerable binding. ProfileID is the stored
// binding as the coordinator reports it, or NoneProfile.
type ShortcutSlot struct {
	Index     int    `json:"index"`
	ProfileID string `json:"profile_id"`
	// Stale marks a binding to a profile that is no longer in the registry.
	Stale bool `json:"stale,omitempty"`
}

// Selected is the choice to render as selected: stale bindings render as
// NoneProfile.
func (s ShortcutSlot) Selected() string {
	if s.Stale {
		return NoneProfile
	}
	return s.ProfileID
}

// Choice is one entry in a slot's option set.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Table is a read projection of the coordinator's shortcut mapping together
// with the option set every slot offers.
type Table struct {
	Slots   []ShortcutSlot `json:"slots"`
	Choices []Choice       `json:"choices"`
}

// ShortcutTable reads and writes the fixed-size shortcut mapping. Writes go
// straight to the coordinator one slot at a time; writes to the same slot are
// queued behind each other.
type ShortcutTable struct {
	coord    Coordinator
	registry *profile.Registry
	size     int
	timeout  time.Duration
	slots    []*semaphore.Weighted
}

// NewShortcutTable creates a table with size slots. A non-positive size
// means DefaultShortcutSlots.
func NewShortcutTable(coord Coordinator, size int, timeout time.Duration) *ShortcutTable {
	if size <= 0 {
		size = DefaultShortcutSlots
	}
	slots := make([]*semaphore.Weighted, size)
	for i := range slots {
		slots[i] = semaphore.NewWeighted(1)
	}
	return &ShortcutTable{
		coord:    coord,
		registry: profile.NewRegistry(coord),
		size:     size,
		timeout:  timeout,
		slots:    slots,
	}
}

// Size returns the number of slots.
func (t *ShortcutTable) Size() int { return t.size }

// LoadTable fetches the stored mapping and the profile registry and builds
// the table. Unbound slots are NoneProfile; bindings to unknown profiles are
// kept and flagged Stale.
func (t *ShortcutTable) LoadTable(ctx context.Context) (Table, error) {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	var (
		mapping  map[int]string
		profiles []profile.Profile
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := t.coord.GetShortcutTable(gCtx)
		if err != nil {
			return classify("loading shortcut table", err)
		}
		mapping = m
		return nil
	})
	g.Go(func() error {
		p, err := t.registry.List(gCtx)
		if err != nil {
			return classify("loading profiles", err)
		}
		profiles = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return Table{}, err
	}

	choices := make([]Choice, 0, len(profiles)+1)
	choices = append(choices, Choice{Value: NoneProfile, Label: "None"})
	for _, p := range profiles {
		choices = append(choices, Choice{Value: p.ID, Label: p.DisplayName})
	}

	known := profile.IDs(profiles)
	slots := make([]ShortcutSlot, t.size)
	for i := range slots {
		id := mapping[i]
		if id == "" {
			id = NoneProfile
		}
		_, found := known[id]
		slots[i] = ShortcutSlot{
			Index:     i,
			ProfileID: id,
			Stale:     id != NoneProfile && !found,
		}
	}
	return Table{Slots: slots, Choices: choices}, nil
}

// SetSlot binds index to profileID, or clears it when profileID is
// NoneProfile or empty.
func (t *ShortcutTable) SetSlot(ctx context.Context, index int, profileID string) error {
	if index < 0 || index >= t.size {
		return fmt.Errorf("%w: %d (want 0..%d)", ErrInvalidSlot, index, t.size-1)
	}
	if profileID == "" {
		profileID = NoneProfile
	}

	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	sem := t.slots[index]
	if err := sem.Acquire(ctx, 1); err != nil {
		return classify(fmt.Sprintf("waiting for slot %d", index), err)
	}
	defer sem.Release(1)

	if err := t.coord.SetShortcutSlot(ctx, index, profileID); err != nil {
		return classify(fmt.Sprintf("setting slot %d", index), err)
	}
	return nil
}
