package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/boxset/internal/profile"
)

var (
	work     = profile.Profile{ID: "p-work", DisplayName: "Work", Color: "blue", Icon: "briefcase"}
	personal = profile.Profile{ID: "p-home", DisplayName: "Personal", Color: "green", Icon: "fingerprint"}
)

func TestLoadTable_DefaultsToNone(t *testing.T) {
	table := NewShortcutTable(newMockCoordinator(), 0, time.Second)

	got, err := table.LoadTable(context.Background())
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if len(got.Slots) != DefaultShortcutSlots {
		t.Fatalf("got %d slots, want %d", len(got.Slots), DefaultShortcutSlots)
	}
	for i, s := range got.Slots {
		if s.Index != i || s.ProfileID != NoneProfile || s.Stale {
			t.Errorf("slot %d = %+v, want none", i, s)
		}
	}
	if len(got.Choices) != 1 || got.Choices[0].Value != NoneProfile {
		t.Errorf("choices = %+v, want only none", got.Choices)
	}
}

func TestLoadTable_ChoicesAndStaleBindings(t *testing.T) {
	coord := newMockCoordinator(work, personal)
	coord.mapping[0] = "p-work"
	coord.mapping[2] = "p-deleted"
	coord.mapping[42] = "p-home" // outside the table, ignored
	table := NewShortcutTable(coord, 10, time.Second)

	got, err := table.LoadTable(context.Background())
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}

	wantChoices := []string{NoneProfile, "p-work", "p-home"}
	if len(got.Choices) != len(wantChoices) {
		t.Fatalf("choices = %+v", got.Choices)
	}
	for i, v := range wantChoices {
		if got.Choices[i].Value != v {
			t.Errorf("choice[%d] = %q, want %q", i, got.Choices[i].Value, v)
		}
	}
	if got.Choices[1].Label != "Work" {
		t.Errorf("choice label = %q, want %q", got.Choices[1].Label, "Work")
	}

	if s := got.Slots[0]; s.ProfileID != "p-work" || s.Stale || s.Selected() != "p-work" {
		t.Errorf("slot 0 = %+v", s)
	}
	if s := got.Slots[2]; s.ProfileID != "p-deleted" || !s.Stale || s.Selected() != NoneProfile {
		t.Errorf("slot 2 = %+v, want stale binding rendered as none", s)
	}
	if s := got.Slots[1]; s.ProfileID != NoneProfile {
		t.Errorf("slot 1 = %+v, want none", s)
	}
}

func TestLoadTable_CoordinatorFailure(t *testing.T) {
	coord := newMockCoordinator()
	coord.err = errors.New("coordinator unreachable")
	table := NewShortcutTable(coord, 10, time.Second)

	if _, err := table.LoadTable(context.Background()); !errors.Is(err, ErrTransport) {
		t.Errorf("error = %v, want ErrTransport", err)
	}
}

func TestSetSlot_WriteThrough(t *testing.T) {
	coord := newMockCoordinator(work)
	table := NewShortcutTable(coord, 10, time.Second)
	ctx := context.Background()

	if err := table.SetSlot(ctx, 3, "p-work"); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if coord.mapping[3] != "p-work" {
		t.Errorf("mapping[3] = %q, want p-work", coord.mapping[3])
	}

	if err := table.SetSlot(ctx, 3, NoneProfile); err != nil {
		t.Fatalf("SetSlot(none): %v", err)
	}
	if _, ok := coord.mapping[3]; ok {
		t.Error("slot 3 still bound after selecting none")
	}

	if err := table.SetSlot(ctx, 4, ""); err != nil {
		t.Fatalf("SetSlot(empty): %v", err)
	}
	last := coord.slotWrites[len(coord.slotWrites)-1]
	if last.profileID != NoneProfile {
		t.Errorf("empty profile id sent as %q, want none", last.profileID)
	}
}

func TestSetSlot_OutOfRange(t *testing.T) {
	coord := newMockCoordinator()
	table := NewShortcutTable(coord, 10, time.Second)

	for _, idx := range []int{-1, 10, 99} {
		if err := table.SetSlot(context.Background(), idx, "p-work"); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("SetSlot(%d) error = %v, want ErrInvalidSlot", idx, err)
		}
	}
	if len(coord.slotWrites) != 0 {
		t.Errorf("coordinator received %d writes for invalid slots", len(coord.slotWrites))
	}
}

func TestSetSlot_SameSlotSerialized(t *testing.T) {
	coord := newMockCoordinator()
	coord.slotGate = make(chan struct{})
	table := NewShortcutTable(coord, 10, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"p-work", "p-home", "p-bank"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := table.SetSlot(ctx, 1, id); err != nil {
				t.Errorf("SetSlot(1, %s): %v", id, err)
			}
		}(id)
	}
	for i := 0; i < 3; i++ {
		coord.slotGate <- struct{}{}
	}
	wg.Wait()

	if coord.maxInFlight != 1 {
		t.Errorf("max concurrent writes to one slot = %d, want 1", coord.maxInFlight)
	}
	if len(coord.slotWrites) != 3 {
		t.Errorf("got %d writes, want 3", len(coord.slotWrites))
	}
}

func TestSetSlot_DifferentSlotsIndependent(t *testing.T) {
	coord := newMockCoordinator()
	coord.slotGate = make(chan struct{})
	table := NewShortcutTable(coord, 10, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			if err := table.SetSlot(ctx, slot, "p-work"); err != nil {
				t.Errorf("SetSlot(%d): %v", slot, err)
			}
		}(i)
	}

	// Both writes must be in flight at once before either is released.
	deadline := time.Now().Add(time.Second)
	for {
		coord.mu.Lock()
		n := coord.inFlight
		coord.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writes to different slots did not run concurrently (in flight: %d)", n)
		}
		time.Sleep(time.Millisecond)
	}
	close(coord.slotGate)
	wg.Wait()
}

func TestSetSlot_QueuedWriteTimesOut(t *testing.T) {
	coord := newMockCoordinator()
	coord.slotGate = make(chan struct{})
	table := NewShortcutTable(coord, 10, 30*time.Millisecond)

	err := table.SetSlot(context.Background(), 0, "p-work")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}
