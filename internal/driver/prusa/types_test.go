package prusa

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobResponse_ProgressPercent_BareNumber(t *testing.T) {
	var j jobResponse
	require.NoError(t, json.Unmarshal([]byte(`{"job":{"file":{"name":"a.gcode"}},"progress":42}`), &j))

	pct, ok := j.progressPercent()
	assert.True(t, ok)
	assert.Equal(t, 42.0, pct)
}

func TestJobResponse_ProgressPercent_CompletionFraction(t *testing.T) {
	var j jobResponse
	require.NoError(t, json.Unmarshal([]byte(`{"job":{"file":{"name":"a.gcode"}},"progress":{"completion":0.75}}`), &j))

	pct, ok := j.progressPercent()
	assert.True(t, ok)
	assert.Equal(t, 75.0, pct)
}

func TestJobResponse_ProgressPercent_Absent(t *testing.T) {
	var j jobResponse
	require.NoError(t, json.Unmarshal([]byte(`{"job":{"file":{"name":"a.gcode"}}}`), &j))

	_, ok := j.progressPercent()
	assert.False(t, ok)
}

func TestTimingFields_FallbackNames(t *testing.T) {
	primary := 5
	fallback := 9
	t1 := timingFields{TimePrinting: &primary, PrintTime: &fallback}
	assert.Equal(t, &primary, t1.elapsedMinutes())

	t2 := timingFields{PrintTime: &fallback}
	assert.Equal(t, &fallback, t2.elapsedMinutes())
}
