package actor

import (
	"log/slog"

	"github.com/mattjoyce/kiln/internal/metrics"
)

// Factory creates actors. Components that need actors take a Factory so the
// daemon decides how actors are observed.
type Factory interface {
	CreateActor(name string, h Handler) *Actor
}

// DefaultFactory creates actors sharing one logger and metrics recorder.
type DefaultFactory struct {
	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// CreateActor starts a new actor for h.
func (f DefaultFactory) CreateActor(name string, h Handler) *Actor {
	rec := metrics.OrNoop(f.Metrics)
	rec.IncActorCreated(kindOf(name))
	return New(name, h, WithLogger(f.Logger), WithMetrics(rec))
}

// kindOf strips a trailing "-N" instance suffix so metrics are labelled by
// capability rather than by instance.
func kindOf(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		c := name[i]
		if c == '-' {
			if i < len(name)-1 {
				return name[:i]
			}
			return name
		}
		if c < '0' || c > '9' {
			return name
		}
	}
	return name
}
