package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event of a run or of one target's session.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// JID is the job the event belongs to.
	JID string `json:"jid,omitempty"`

	// Target is the target id, empty for run-level events.
	Target string `json:"target,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeSessionAdmitted  = "session.admitted"
	EventTypeSessionPhase     = "session.phase"
	EventTypeSessionCompleted = "session.completed"
	EventTypeDeploy           = "session.deploy"
	EventTypePolicyDenied     = "policy.denied"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers see events in publish order;
// they must not block. A nil or disabled publisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(jid, fun string, targets int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		JID:     jid,
		Message: fmt.Sprintf("Job %s (%s) started against %d targets", jid, fun, targets),
		Data:    map[string]any{"fun": fun, "targets": targets},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(jid string, failed int, duration time.Duration) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		JID:     jid,
		Level:   level,
		Message: fmt.Sprintf("Job %s completed, %d targets failed", jid, failed),
		Data:    map[string]any{"failed": failed, "duration": duration.Seconds()},
	})
}

// PublishSessionAdmitted publishes the admission of a target into the window.
func (ep *EventPublisher) PublishSessionAdmitted(jid, target string, inFlight int) error {
	return ep.Publish(Event{
		Type:    EventTypeSessionAdmitted,
		JID:     jid,
		Target:  target,
		Message: fmt.Sprintf("Target %s admitted", target),
		Data:    map[string]any{"in_flight": inFlight},
	})
}

// PublishSessionPhase publishes a session phase transition.
func (ep *EventPublisher) PublishSessionPhase(jid, target, phase string) error {
	return ep.Publish(Event{
		Type:    EventTypeSessionPhase,
		JID:     jid,
		Target:  target,
		Message: fmt.Sprintf("Target %s entered %s", target, phase),
		Data:    map[string]any{"phase": phase},
	})
}

// PublishSessionCompleted publishes a session's completion.
func (ep *EventPublisher) PublishSessionCompleted(jid, target string, retcode int, duration time.Duration) error {
	level := EventLevelInfo
	if retcode != 0 {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeSessionCompleted,
		JID:     jid,
		Target:  target,
		Level:   level,
		Message: fmt.Sprintf("Target %s completed with retcode %d", target, retcode),
		Data:    map[string]any{"retcode": retcode, "duration": duration.Seconds()},
	})
}

// PublishDeploy publishes a runtime deploy outcome.
func (ep *EventPublisher) PublishDeploy(jid, target, stamp string, err error) error {
	ev := Event{
		Type:    EventTypeDeploy,
		JID:     jid,
		Target:  target,
		Message: fmt.Sprintf("Runtime %s deployed to %s", stamp, target),
		Data:    map[string]any{"stamp": stamp},
	}
	if err != nil {
		ev.Level = EventLevelError
		ev.Message = fmt.Sprintf("Runtime deploy to %s failed: %v", target, err)
	}
	return ep.Publish(ev)
}

// PublishPolicyDenied publishes an admission refusal.
func (ep *EventPublisher) PublishPolicyDenied(jid, target, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		JID:     jid,
		Target:  target,
		Level:   EventLevelWarning,
		Message: fmt.Sprintf("Target %s refused: %s", target, reason),
		Data:    map[string]any{"reason": reason},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown flushes buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTarget creates a filter that only allows events for one target.
func FilterByTarget(target string) EventFilter {
	return func(event Event) bool {
		return event.Target == target
	}
}
