package migrate

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"
)

// Migrator runs schema migrations for a single plugin. Migrators check the
// config in ctx themselves and return nil when their backend is not selected.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin represents a migrator with an order for deterministic execution sequence.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the registered migrator names in execution order.
func Names() []string {
	names := make([]string, 0, len(plugins))
	for _, p := range sorted() {
		names = append(names, p.Migrator.Name())
	}
	return names
}

// RunAll executes all registered migrators sorted by Order.
func RunAll(ctx context.Context) error {
	for _, p := range sorted() {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		log.Debug("Migrator finished", "name", p.Migrator.Name())
	}
	return nil
}

func sorted() []Plugin {
	out := slices.Clone(plugins)
	slices.SortStableFunc(out, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return out
}
