// Package events publishes pipeline lifecycle notifications. Delivery is best
// effort: publishing never blocks and never fails the pipeline run.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/jonathan/ontology-robot/internal/types"
)

// Name identifies a lifecycle event.
type Name string

// Lifecycle events.
const (
	SnapshotStarted   Name = "snapshot_started"
	SnapshotSucceeded Name = "snapshot_succeeded"
	SnapshotFailed    Name = "snapshot_failed"

	LoadOntologyStarted   Name = "load_ontology_started"
	LoadOntologySucceeded Name = "load_ontology_succeeded"
	LoadOntologyFailed    Name = "load_ontology_failed"

	PipelineExecutionStarted           Name = "pipeline_execution_started"
	PipelineExecutionFinished          Name = "pipeline_execution_finished"
	PipelineExecutionFinishedWithError Name = "pipeline_execution_finished_with_error"

	StageStarted  Name = "stage_started"
	StageFinished Name = "stage_finished"
	StageFailed   Name = "stage_failed"

	SavingStarted   Name = "saving_started"
	SavingSucceeded Name = "saving_succeeded"
	SavingFailed    Name = "saving_failed"
)

// Event is one lifecycle notification.
type Event struct {
	Name        Name                      `json:"name"`
	ProjectID   string                    `json:"project_id"`
	ExecutionID types.PipelineExecutionID `json:"execution_id"`
	PipelineID  types.PipelineID          `json:"pipeline_id"`
	StageID     *types.PipelineStageID    `json:"stage_id,omitempty"`
	StageLabel  string                    `json:"stage_label,omitempty"`
	Message     string                    `json:"message,omitempty"`
	Time        time.Time                 `json:"time"`
}

// Sink receives events. Implementations must return promptly.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink writes events to the standard logger.
type LogSink struct{}

// Publish implements Sink.
func (LogSink) Publish(e Event) {
	if e.StageID != nil {
		log.Printf("[events] %s execution=%s stage=%s %s", e.Name, e.ExecutionID, e.StageLabel, e.Message)
		return
	}
	log.Printf("[events] %s execution=%s project=%s %s", e.Name, e.ExecutionID, e.ProjectID, e.Message)
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// Hub delivers events to subscribers through buffered channels. A subscriber
// that falls behind loses events rather than slowing the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	buffer int
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]*subscription), buffer: buffer}
}

// Subscribe registers a subscriber receiving events accepted by filter (all events
// when filter is nil). The returned cancel func closes the channel.
func (h *Hub) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscription{ch: make(chan Event, h.buffer), filter: filter}
	h.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(sub.ch)
		})
	}
}

// Publish implements Sink.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// ForExecution returns a filter matching events of one execution.
func ForExecution(id types.PipelineExecutionID) func(Event) bool {
	return func(e Event) bool { return e.ExecutionID == id }
}

// IsFinal reports whether e is the last event an execution emits.
func IsFinal(e Event) bool {
	return e.Name == PipelineExecutionFinished
}
