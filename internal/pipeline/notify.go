package pipeline

import (
	"log"
	"time"

	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/types"
)

// notifier publishes lifecycle events. A misbehaving sink never reaches the caller.
type notifier struct {
	sink events.Sink
	now  func() time.Time
}

func (n notifier) publish(e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] event sink panicked on %s: %v", e.Name, r)
		}
	}()
	n.sink.Publish(e)
}

func (n notifier) execution(x execution, name events.Name, message string) {
	n.publish(events.Event{
		Name:        name,
		ProjectID:   x.projectID,
		ExecutionID: x.id,
		PipelineID:  x.pipeline.ID,
		Message:     message,
		Time:        n.now(),
	})
}

func (n notifier) stage(x execution, stage types.RobotPipelineStage, name events.Name, message string) {
	id := stage.ID
	n.publish(events.Event{
		Name:        name,
		ProjectID:   x.projectID,
		ExecutionID: x.id,
		PipelineID:  x.pipeline.ID,
		StageID:     &id,
		StageLabel:  stage.DisplayName(),
		Message:     message,
		Time:        n.now(),
	})
}
