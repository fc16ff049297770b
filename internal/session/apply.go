package session

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/dgnsrekt/ambient/internal/timeline"
)

// Target is the engine surface a session is applied to.
type Target interface {
	Mixer
	RegisterCollection(c engine.Collection) error
	Timeline() *timeline.Scheduler
}

// Apply registers the catalogs of doc and replaces the timeline duration,
// phases and events. Event actions run on their own goroutine under ctx.
func Apply(ctx context.Context, t Target, doc *Document, logger *log.Logger) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := t.RegisterCollection(doc.Collection()); err != nil {
		return fmt.Errorf("register collection: %w", err)
	}
	return Reload(ctx, t, doc, logger)
}

// Reload replaces the timeline part of a session and leaves the catalogs
// alone. Events added outside the document are removed too.
func Reload(ctx context.Context, t Target, doc *Document, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("session")

	tl := t.Timeline()
	if err := tl.SetDuration(doc.Duration); err != nil {
		return err
	}
	if err := tl.SetPhases(doc.Phases); err != nil {
		return err
	}

	tl.ClearEvents()
	for _, ev := range doc.Events {
		action := ev.Action
		id, err := tl.AddEvent(timeline.Event{
			ID: ev.ID,
			At: ev.At,
			Handler: func() {
				go func() {
					if err := action.Run(ctx, t); err != nil {
						logger.Warn("event action failed", "action", action.Kind, "layer", action.Layer, "err", err)
					}
				}()
			},
		})
		if err != nil {
			return fmt.Errorf("event at %s: %w", ev.At, err)
		}
		logger.Debug("event scheduled", "id", id, "at", ev.At, "action", action.Kind)
	}

	logger.Info("session applied", "name", doc.Name, "duration", doc.Duration,
		"phases", len(doc.Phases), "events", len(doc.Events))
	return nil
}
