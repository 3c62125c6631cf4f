// Package notify delivers crawl state change notifications to operators
// and downstream systems.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/control"
)

// Clock abstracts wall time for event timestamps.
type Clock interface {
	Now() time.Time
}

// Event is the wire payload for a state change.
type Event struct {
	OldState   string         `json:"old_state"`
	NewState   string         `json:"new_state"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher abstracts the message transport so notifiers can run against
// Pub/Sub in production and a memory recorder in tests.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// LogNotifier writes state changes to the structured log. It is the
// default when no transport is configured.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// StateChanged logs the transition.
func (n *LogNotifier) StateChanged(old, newState control.State, metadata map[string]any) {
	n.log.Info("crawl state changed",
		zap.String("old_state", string(old)),
		zap.String("new_state", string(newState)),
		zap.Any("metadata", metadata),
	)
}

// Fanout dispatches a state change to several notifiers in order.
type Fanout []control.Notifier

// StateChanged forwards to every member.
func (f Fanout) StateChanged(old, newState control.State, metadata map[string]any) {
	for _, n := range f {
		n.StateChanged(old, newState, metadata)
	}
}

// publishTimeout bounds a single notification publish; the coordinator
// must never block on a slow broker.
const publishTimeout = 5 * time.Second

// PublishNotifier sends state change events through a Publisher.
type PublishNotifier struct {
	pub   Publisher
	topic string
	clock Clock
	log   *zap.Logger
}

// NewPublishNotifier returns a PublishNotifier for the given topic.
func NewPublishNotifier(pub Publisher, topic string, clock Clock, log *zap.Logger) *PublishNotifier {
	return &PublishNotifier{pub: pub, topic: topic, clock: clock, log: log}
}

// StateChanged publishes the event. Delivery failures are logged and
// swallowed; notifications are best effort.
func (n *PublishNotifier) StateChanged(old, newState control.State, metadata map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	event := Event{
		OldState:   string(old),
		NewState:   string(newState),
		Metadata:   metadata,
		OccurredAt: n.clock.Now(),
	}
	id, err := n.pub.Publish(ctx, n.topic, event)
	if err != nil {
		n.log.Error("failed to publish state change",
			zap.String("topic", n.topic),
			zap.String("new_state", string(newState)),
			zap.Error(err),
		)
		return
	}
	n.log.Debug("state change published", zap.String("topic", n.topic), zap.String("message_id", id))
}
