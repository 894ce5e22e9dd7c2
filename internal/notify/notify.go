// Package notify publishes form lifecycle events to downstream systems.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

const EventTypeInstanceCompleted = "com.casefile.forms.instance.completed"

// InstanceCompleted is the data of an instance.completed event.
type InstanceCompleted struct {
	InstanceID   string    `json:"instanceId"`
	TemplateID   string    `json:"templateId"`
	SubjectID    string    `json:"subjectId"`
	OutputObject string    `json:"outputObject"`
	CompletedAt  time.Time `json:"completedAt"`
}

type Notifier interface {
	InstanceCompleted(ctx context.Context, evt InstanceCompleted) error
}

// NopNotifier is used when no sink is configured.
type NopNotifier struct{}

func (NopNotifier) InstanceCompleted(context.Context, InstanceCompleted) error { return nil }

// CloudEventsNotifier sends binary-mode CloudEvents over HTTP.
type CloudEventsNotifier struct {
	client cloudevents.Client
	source string
}

func NewCloudEventsNotifier(sinkURL, source string) (*CloudEventsNotifier, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(sinkURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	return &CloudEventsNotifier{client: client, source: source}, nil
}

// New returns a CloudEventsNotifier for sinkURL, or a NopNotifier when it is empty.
func New(sinkURL, source string) (Notifier, error) {
	if sinkURL == "" {
		slog.Info("EVENTS_SINK_URL not set, lifecycle events are not published")
		return NopNotifier{}, nil
	}
	return NewCloudEventsNotifier(sinkURL, source)
}

func (n *CloudEventsNotifier) InstanceCompleted(ctx context.Context, evt InstanceCompleted) error {
	e := cloudevents.NewEvent()
	// One completion per instance, so the id lets receivers drop redeliveries.
	e.SetID(evt.InstanceID + ":completed")
	e.SetType(EventTypeInstanceCompleted)
	e.SetSource(n.source)
	e.SetSubject(evt.InstanceID)
	e.SetTime(evt.CompletedAt)
	if err := e.SetData(cloudevents.ApplicationJSON, evt); err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	if res := n.client.Send(ctx, e); !cloudevents.IsACK(res) {
		return fmt.Errorf("failed to deliver %s event: %w", EventTypeInstanceCompleted, res)
	}
	return nil
}
