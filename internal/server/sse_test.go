package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/ontology-robot/internal/types"
)

func TestSSEWriter(t *testing.T) {
	w := httptest.NewRecorder()

	sse, err := NewSSEWriter(w)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, 200, w.Code)

	require.NoError(t, sse.WriteEvent("stage_started", map[string]string{"stage": "reason"}))
	require.NoError(t, sse.Ping())

	p := types.RobotPipeline{ID: types.NewPipelineID(), ProjectID: "pizza"}
	st := types.NewPipelineStatus(types.NewPipelineExecutionID(), p, time.Now())
	st = types.WithPreparationStatus(st, types.PipelinePreparationStatus{Status: types.StageFinishedWithSuccess})
	st = types.WithOutcome(st, types.OutcomeSucceeded, "")
	sse.WriteComplete(&st)

	body := w.Body.String()
	assert.Contains(t, body, "id: 1\nevent: stage_started\ndata: {\"stage\":\"reason\"}\n\n")
	assert.Contains(t, body, ": ping\n\n")
	assert.Contains(t, body, "id: 2\nevent: complete\n")
	assert.Contains(t, body, `"successful":true`)
	assert.Less(t, strings.Index(body, "stage_started"), strings.Index(body, "complete"))
}
