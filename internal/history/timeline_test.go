package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netkeep/internal/models"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func transitions() []models.StateTransition {
	return []models.StateTransition{
		{To: models.Disconnected, At: t0},
		{From: models.Disconnected, To: models.Connecting, At: t0.Add(10 * time.Second)},
		{From: models.Connecting, To: models.Connected, At: t0.Add(12 * time.Second)},
		{From: models.Connected, To: models.Errored, At: t0.Add(40 * time.Second)},
		{From: models.Errored, To: models.Reconnecting, At: t0.Add(40 * time.Second)},
		{From: models.Reconnecting, To: models.Connected, At: t0.Add(45 * time.Second)},
	}
}

func TestBuildSpans(t *testing.T) {
	spans := BuildSpans(transitions(), t0.Add(5*time.Second), t0.Add(60*time.Second))

	require.Len(t, spans, 5)
	assert.Equal(t, models.Disconnected, spans[0].Status)
	assert.Equal(t, t0.Add(5*time.Second), spans[0].Start)
	assert.Equal(t, 5*time.Second, spans[0].Duration())
	assert.Equal(t, models.Connected, spans[2].Status)
	assert.Equal(t, 28*time.Second, spans[2].Duration())
	assert.Equal(t, models.Reconnecting, spans[3].Status)
	assert.Equal(t, models.Connected, spans[4].Status)
	assert.Equal(t, t0.Add(60*time.Second), spans[4].End)
}

func TestBuildSpans_EmptyWindow(t *testing.T) {
	assert.Empty(t, BuildSpans(transitions(), t0, t0))
	assert.Empty(t, BuildSpans(nil, t0, t0.Add(time.Minute)))
}

func TestBuildTimeline(t *testing.T) {
	points := BuildTimeline(transitions(), t0.Add(-20*time.Second), t0.Add(60*time.Second), 4)
	require.Len(t, points, 4)

	// [-20s, 0s): before the first transition
	assert.Equal(t, "state-missing", points[0].ClassName)
	// [0s, 20s): disconnected, connecting, connected
	assert.Equal(t, models.Disconnected, points[1].Status)
	assert.Equal(t, "state-error", points[1].ClassName)
	assert.Equal(t, 3, points[1].Transitions)
	// [20s, 40s): connected only
	assert.Equal(t, "state-success", points[2].ClassName)
	assert.Zero(t, points[2].Transitions)
	// [40s, 60s): error then recovery
	assert.Equal(t, models.Reconnecting, points[3].Status)
	assert.Equal(t, "state-warning", points[3].ClassName)
	assert.Equal(t, 3, points[3].Transitions)
	assert.Equal(t, t0.Add(60*time.Second), points[3].End)
}
