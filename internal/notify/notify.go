// Package notify fans training lifecycle events out to chat platforms.
// Delivery is best effort: a failed notification never fails training.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/nlu"
)

// EventType names a lifecycle transition.
type EventType string

// Lifecycle events.
const (
	EventTrainingStarted  EventType = "training-started"
	EventTrainingDone     EventType = "training-done"
	EventTrainingCanceled EventType = "training-canceled"
	EventTrainingErrored  EventType = "training-errored"
	EventStaleEntry       EventType = "stale-entry-removed"
	EventModelRemoved     EventType = "model-removed"
)

// Event is one transition of a model slot.
type Event struct {
	Type           EventType
	Key            nlu.ModelKey
	ModelID        string
	DefinitionHash string
	Err            error
	InstanceID     string
	Time           time.Time
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Nop drops every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers evt to each notifier in order.
func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Field is a key-value pair shown with a formatted event.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Formatted is a platform-neutral rendering of an event.
type Formatted struct {
	Title    string
	Body     string
	Severity string
	Color    string
	Fields   []Field
}

// Severity colors.
const (
	colorSuccess = "#36a64f"
	colorInfo    = "#439fe0"
	colorWarning = "#daa038"
	colorError   = "#d00000"
)

// Format renders evt for display.
func Format(evt Event) Formatted {
	f := Formatted{
		Fields: []Field{
			{Name: "Bot", Value: evt.Key.BotID, Short: true},
			{Name: "Language", Value: evt.Key.Language, Short: true},
		},
	}
	if evt.ModelID != "" {
		f.Fields = append(f.Fields, Field{Name: "Model", Value: evt.ModelID})
	}
	if evt.InstanceID != "" {
		f.Fields = append(f.Fields, Field{Name: "Instance", Value: evt.InstanceID, Short: true})
	}

	switch evt.Type {
	case EventTrainingStarted:
		f.Title = fmt.Sprintf("Training started for %s", evt.Key)
		f.Severity, f.Color = "info", colorInfo
	case EventTrainingDone:
		f.Title = fmt.Sprintf("Model promoted for %s", evt.Key)
		f.Body = "The new model is now serving predictions."
		f.Severity, f.Color = "success", colorSuccess
	case EventTrainingCanceled:
		f.Title = fmt.Sprintf("Training canceled for %s", evt.Key)
		f.Body = "The previous model, if any, keeps serving."
		f.Severity, f.Color = "warning", colorWarning
	case EventTrainingErrored:
		f.Title = fmt.Sprintf("Training failed for %s", evt.Key)
		f.Severity, f.Color = "error", colorError
	case EventStaleEntry:
		f.Title = fmt.Sprintf("Stale training entry removed for %s", evt.Key)
		f.Body = "The remote service no longer knows the model."
		f.Severity, f.Color = "warning", colorWarning
	case EventModelRemoved:
		f.Title = fmt.Sprintf("Model removed for %s", evt.Key)
		f.Severity, f.Color = "info", colorInfo
	default:
		f.Title = fmt.Sprintf("%s for %s", evt.Type, evt.Key)
		f.Severity, f.Color = "info", colorInfo
	}
	if evt.Err != nil {
		f.Body = evt.Err.Error()
	}
	return f
}
