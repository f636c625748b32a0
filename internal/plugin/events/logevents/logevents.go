// Package logevents writes domain events to the service log.
package logevents

import (
	"context"

	"github.com/charmbracelet/log"
	registryevents "github.com/chirino/chat-sync/internal/registry/events"
)

func init() {
	registryevents.Register(registryevents.Plugin{
		Name: "log",
		Loader: func(ctx context.Context) (registryevents.Publisher, error) {
			return &publisher{logger: log.Default().WithPrefix("events")}, nil
		},
	})
}

type publisher struct {
	logger *log.Logger
}

func (p *publisher) Publish(_ context.Context, e registryevents.Event) error {
	p.logger.Info(e.Type, "key", e.Key, "actor", e.ActorID, "data", e.Data)
	return nil
}

func (p *publisher) Close() error { return nil }
