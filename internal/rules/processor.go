package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bidwatch/internal/dispatch"
	"bidwatch/internal/logger"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
)

// ErrInvalidEvent is returned for events missing an actor or action.
var ErrInvalidEvent = errors.New("invalid activity event")

// ActivityStore appends events. Append is insert-if-absent by event id.
type ActivityStore interface {
	AppendActivity(ctx context.Context, ev model.ActivityEvent) (bool, error)
}

// DetectionDispatcher fans out one detected event.
type DetectionDispatcher interface {
	DispatchDetection(ctx context.Context, d model.DetectedEvent) (dispatch.Outcome, error)
}

// Result describes the processing of one activity event.
type Result struct {
	EventID    string                `json:"eventId"`
	Duplicate  bool                  `json:"duplicate"`
	Detections []model.DetectedEvent `json:"detections"`
	Created    int                   `json:"created"`
	Errors     []string              `json:"errors,omitempty"`
}

// Processor is the activity path: append, evaluate, dispatch.
type Processor struct {
	store      ActivityStore
	engine     *Engine
	dispatcher DetectionDispatcher
	log        logger.Logger
	now        func() time.Time
}

// NewProcessor wires a Processor.
func NewProcessor(store ActivityStore, engine *Engine, dispatcher DetectionDispatcher, log logger.Logger) *Processor {
	return &Processor{
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		log:        log.With(logger.String("component", "activity")),
		now:        time.Now,
	}
}

// Process appends ev and evaluates it. The event is appended before
// evaluation so history counts include it. A redelivered event is
// evaluated again; detection ids are deterministic, so nothing is
// dispatched twice. Only append failures are returned as errors.
func (p *Processor) Process(ctx context.Context, ev model.ActivityEvent) (Result, error) {
	ev.ActorID = strings.TrimSpace(ev.ActorID)
	ev.Action = strings.TrimSpace(ev.Action)
	if ev.ActorID == "" || ev.Action == "" {
		return Result{}, fmt.Errorf("%w: actorId and action are required", ErrInvalidEvent)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	if len(ev.Detail.Problems) > 0 {
		p.log.Warn("Activity detail partly unreadable, evaluating without it",
			logger.String("event_id", ev.ID),
			logger.Strings("problems", ev.Detail.Problems),
		)
	}

	appended, err := p.store.AppendActivity(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("append activity %s: %w", ev.ID, err)
	}

	res := Result{EventID: ev.ID, Duplicate: !appended, Detections: []model.DetectedEvent{}}
	detections, failures := p.engine.Evaluate(ctx, ev)
	for _, f := range failures {
		res.Errors = append(res.Errors, f.Error())
	}

	for _, d := range detections {
		out, err := p.dispatcher.DispatchDetection(ctx, d)
		if err != nil {
			p.log.Error("Dispatching detection failed",
				logger.String("detection_id", d.ID),
				logger.Error(err),
			)
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Detections = append(res.Detections, d)
		if out.Created {
			res.Created++
		}
	}
	return res, nil
}

// HandleMessage is the queue handler for the activity stream. Undecodable
// or invalid entries are logged and acknowledged; append failures leave the
// entry pending.
func (p *Processor) HandleMessage(ctx context.Context, msg queue.Message) error {
	var ev model.ActivityEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		p.log.Warn("Dropping undecodable activity entry",
			logger.String("message_id", msg.ID),
			logger.Error(err),
		)
		return nil
	}
	if ev.ID == "" {
		ev.ID = msg.ID
	}

	res, err := p.Process(ctx, ev)
	if errors.Is(err, ErrInvalidEvent) {
		p.log.Warn("Dropping invalid activity entry", logger.String("message_id", msg.ID), logger.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if res.Created > 0 {
		p.log.Info("Activity raised detections",
			logger.String("event_id", res.EventID),
			logger.Int("created", res.Created),
		)
	}
	return nil
}
