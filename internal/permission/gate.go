// Package permission implements the runtime permission facility the toggle
// controller relies on: a grant store queried and updated through the
// coordinator, fronted by an interactive prompt.
package permission

import (
	"context"
	"fmt"
	"log/slog"
)

// GrantStore records which optional capabilities are granted.
type GrantStore interface {
	Grant(ctx context.Context, capability string) error
	Revoke(ctx context.Context, capability string) error
	Has(ctx context.Context, capability string) (bool, error)
}

// Gate asks the user before granting a capability. A capability already held
// is not prompted for again.
type Gate struct {
	grants   GrantStore
	prompter Prompter
	logger   *slog.Logger
}

// NewGate creates a Gate over grants that asks prompter for consent.
func NewGate(grants GrantStore, prompter Prompter) *Gate {
	return &Gate{grants: grants, prompter: prompter, logger: slog.Default()}
}

// Request returns true when the capability is held after the call.
func (g *Gate) Request(ctx context.Context, capability string) (bool, error) {
	held, err := g.grants.Has(ctx, capability)
	if err != nil {
		return false, fmt.Errorf("checking %s grant: %w", capability, err)
	}
	if held {
		return true, nil
	}

	ok, err := g.prompter.Ask(ctx, capability)
	if err != nil {
		return false, fmt.Errorf("asking for %s: %w", capability, err)
	}
	if !ok {
		g.logger.Info("permission declined", "capability", capability)
		return false, nil
	}

	if err := g.grants.Grant(ctx, capability); err != nil {
		return false, fmt.Errorf("granting %s: %w", capability, err)
	}
	g.logger.Info("permission granted", "capability", capability)
	return true, nil
}

// Remove revokes the capability. Removing one that is not held is not an
// error.
func (g *Gate) Remove(ctx context.Context, capability string) error {
	if err := g.grants.Revoke(ctx, capability); err != nil {
		return fmt.Errorf("revoking %s: %w", capability, err)
	}
	return nil
}

// Contains reports whether the capability is currently held.
func (g *Gate) Contains(ctx context.Context, capability string) (bool, error) {
	held, err := g.grants.Has(ctx, capability)
	if err != nil {
		return false, fmt.Errorf("checking %s grant: %w", capability, err)
	}
	return held, nil
}
