package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeRunStarted          = "run.started"
	EventTypeRunCompleted        = "run.completed"
	EventTypeRunFailed           = "run.failed"
	EventTypeManifestParsed      = "manifest.parsed"
	EventTypeActionStarted       = "manifest.action_started"
	EventTypeActionCompleted     = "manifest.action_completed"
	EventTypeActionFailed        = "manifest.action_failed"
	EventTypeActionSkipped       = "manifest.action_skipped"
	EventTypeDependencyProcessed = "dependency.processed"
	EventTypePolicyViolation     = "policy.violation"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// Event is one notification of a manifest run. ID and Timestamp are filled
// in by Publish when empty.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	Level       string                 `json:"level"`
	Message     string                 `json:"message"`
	RunID       string                 `json:"run_id,omitempty"`
	Manifest    string                 `json:"manifest,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event passes.
type EventFilter func(event Event) bool

type subscription struct {
	id     int
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. Synchronous publishers
// deliver on the publishing goroutine. Async publishers queue up to
// BufferSize events and deliver them in order from one worker, in batches
// of MaxBatchSize or every FlushInterval.
type EventPublisher struct {
	config EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	nextID  int
	filters []EventFilter

	queue   chan Event
	stopped chan struct{}
	once    sync.Once
	done    sync.WaitGroup
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and drops
// everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, stopped: make(chan struct{})}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.config.MaxBatchSize < 1 {
		ep.config.MaxBatchSize = 1
	}
	if ep.config.FlushInterval <= 0 {
		ep.config.FlushInterval = time.Second
	}
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.done.Add(1)
		go ep.worker()
	}
	return ep, nil
}

// Subscribe registers fn for the events passing filter (all when nil). The
// returned func removes the subscription.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.nextID++
	id := ep.nextID
	ep.subs = append(ep.subs, subscription{id: id, fn: fn, filter: filter})
	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		ep.subs = slices.DeleteFunc(ep.subs, func(s subscription) bool { return s.id == id })
	}
}

// AddFilter drops, for every subscriber, the events filter rejects.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// Publish delivers or queues event. A full async queue drops the event and
// returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !ep.accepts(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

func (ep *EventPublisher) accepts(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) deliver(events ...Event) {
	ep.mu.RLock()
	subs := slices.Clone(ep.subs)
	ep.mu.RUnlock()

	for _, event := range events {
		for _, s := range subs {
			if s.filter == nil || s.filter(event) {
				s.fn(event)
			}
		}
	}
}

func (ep *EventPublisher) worker() {
	defer ep.done.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		ep.deliver(batch...)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.queue:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stopped:
			for {
				select {
				case event := <-ep.queue:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits until queued ones are delivered
// or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.once.Do(func() { close(ep.stopped) })

	drained := make(chan struct{})
	go func() {
		ep.done.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func managerEvent(typ, level, runID, action, message string) Event {
	return Event{Type: typ, Source: "manager", Level: level, RunID: runID, Action: action, Message: message}
}

func (ep *EventPublisher) PublishRunStarted(runID, action, environment string) error {
	e := managerEvent(EventTypeRunStarted, EventLevelInfo, runID, action,
		fmt.Sprintf("Run %s started: %s in %s", runID, action, environment))
	e.Environment = environment
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishRunCompleted(runID, action, status string, duration time.Duration) error {
	e := managerEvent(EventTypeRunCompleted, EventLevelInfo, runID, action,
		fmt.Sprintf("Run %s completed with status: %s", runID, status))
	e.Data = map[string]interface{}{"status": status, "duration": duration.Seconds()}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishRunFailed(runID, action, reason string) error {
	e := managerEvent(EventTypeRunFailed, EventLevelError, runID, action,
		fmt.Sprintf("Run %s failed: %s", runID, reason))
	e.Data = map[string]interface{}{"reason": reason}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishManifestParsed(kind, version, name string) error {
	e := managerEvent(EventTypeManifestParsed, EventLevelInfo, "", "",
		fmt.Sprintf("Manifest %s parsed as %s %s", name, kind, version))
	e.Manifest = name
	e.Data = map[string]interface{}{"kind": kind, "version": version}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishActionStarted(runID, action, name, environment string) error {
	e := managerEvent(EventTypeActionStarted, EventLevelInfo, runID, action,
		fmt.Sprintf("%s of %s started", action, name))
	e.Manifest, e.Environment = name, environment
	return ep.Publish(e)
}

// PublishActionFinished publishes a completed event, or a failed one at error
// level when err is set.
func (ep *EventPublisher) PublishActionFinished(runID, action, name, environment string, duration time.Duration, err error) error {
	e := managerEvent(EventTypeActionCompleted, EventLevelInfo, runID, action,
		fmt.Sprintf("%s of %s completed", action, name))
	e.Manifest, e.Environment = name, environment
	e.Data = map[string]interface{}{"duration": duration.Seconds()}
	if err != nil {
		e.Type, e.Level = EventTypeActionFailed, EventLevelError
		e.Message = fmt.Sprintf("%s of %s failed: %v", action, name, err)
		e.Data["error"] = err.Error()
	}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishActionSkipped(runID, action, name, environment, reason string) error {
	e := managerEvent(EventTypeActionSkipped, EventLevelInfo, runID, action,
		fmt.Sprintf("%s of %s skipped: %s", action, name, reason))
	e.Manifest, e.Environment = name, environment
	e.Data = map[string]interface{}{"reason": reason}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishDependencyProcessed(runID, action, parent, dependency string, err error) error {
	e := managerEvent(EventTypeDependencyProcessed, EventLevelInfo, runID, action,
		fmt.Sprintf("Dependency %s of %s processed", dependency, parent))
	e.Manifest = parent
	e.Data = map[string]interface{}{"dependency": dependency}
	if err != nil {
		e.Level = EventLevelError
		e.Data["error"] = err.Error()
	}
	return ep.Publish(e)
}

// PublishPolicyViolation publishes a violation at warning level, or error
// level when it blocks.
func (ep *EventPublisher) PublishPolicyViolation(manifest, policyName, severity, message string, blocking bool) error {
	level := EventLevelWarning
	if blocking {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy",
		Level:    level,
		Manifest: manifest,
		Message:  fmt.Sprintf("Policy %s on manifest %s: %s", policyName, manifest, message),
		Data:     map[string]interface{}{"policy": policyName, "severity": severity},
	})
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevelRank[minLevel]
	return func(e Event) bool { return eventLevelRank[e.Level] >= floor }
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(e Event) bool { return slices.Contains(types, e.Type) }
}

// FilterByRunID passes events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}

// FilterByManifest passes events about one manifest.
func FilterByManifest(name string) EventFilter {
	return func(e Event) bool { return e.Manifest == name }
}
