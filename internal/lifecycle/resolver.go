package lifecycle

import (
	"context"
	"fmt"
	"time"

	"bidwatch/internal/bus"
	"bidwatch/internal/logger"
	"bidwatch/internal/model"
)

// DetectionStore is the persistence the resolver needs.
type DetectionStore interface {
	GetDetection(ctx context.Context, id string) (model.DetectedEvent, error)
	ResolveDetection(ctx context.Context, id string, at time.Time) (bool, error)
}

// Resolver performs reviewer-driven open → resolved transitions.
type Resolver struct {
	store  DetectionStore
	bus    bus.Publisher
	source string
	log    logger.Logger
	now    func() time.Time
}

// NewResolver builds a Resolver. pub may be nil.
func NewResolver(store DetectionStore, pub bus.Publisher, source string, log logger.Logger) *Resolver {
	return &Resolver{
		store:  store,
		bus:    pub,
		source: source,
		log:    log.With(logger.String("component", "resolver")),
		now:    time.Now,
	}
}

// Resolve marks the detection resolved and returns it. Unknown ids return
// store.ErrNotFound; already resolved ones ErrTransitionNotAllowed.
func (r *Resolver) Resolve(ctx context.Context, id string) (model.DetectedEvent, error) {
	d, err := r.store.GetDetection(ctx, id)
	if err != nil {
		return model.DetectedEvent{}, err
	}
	from := StateOf(d)
	if !CanTransitionDetection(from, DetectionResolved) {
		return d, fmt.Errorf("%w: %s → %s", ErrTransitionNotAllowed, from, DetectionResolved)
	}

	at := r.now().UTC()
	changed, err := r.store.ResolveDetection(ctx, id, at)
	if err != nil {
		return model.DetectedEvent{}, fmt.Errorf("resolve detection %s: %w", id, err)
	}
	if !changed {
		// Resolved concurrently between the read and the guarded write.
		return d, fmt.Errorf("%w: %s → %s", ErrTransitionNotAllowed, DetectionResolved, DetectionResolved)
	}

	d.Resolved = true
	d.ResolvedAt = &at

	if r.bus != nil {
		ev, err := bus.NewDomainEvent(r.source, bus.TypeDetectionResolved, map[string]string{
			"detectionId": d.ID,
			"from":        string(from),
			"to":          string(DetectionResolved),
		}, at)
		if err == nil {
			err = r.bus.Publish(ctx, ev)
		}
		if err != nil {
			r.log.Warn("Publishing detection.resolved failed", logger.String("detection_id", id), logger.Error(err))
		}
	}
	return d, nil
}
