package orchestration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

func TestStepID(t *testing.T) {
	tests := []struct {
		name  string
		runID contracts.RunID
		stage string
		fiche contracts.FicheID
		retry int
		want  string
	}{
		{"no retry", "run-1", "fiche/fetch", "fiche-1", 0, "run-run-1-fiche/fetch-fiche-1"},
		{"first retry", "run-1", "fiche/transcribe", "fiche-2", 1, "run-run-1-fiche/transcribe-fiche-2-retry-1"},
		{"later retry", "run-1", "audit/run", "fiche-3", 4, "run-run-1-audit/run-fiche-3-retry-4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stepID(tt.runID, tt.stage, tt.fiche, tt.retry)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStepID_IsDeterministic(t *testing.T) {
	a := stepID("run-1", "fiche/fetch", "fiche-1", 2)
	b := stepID("run-1", "fiche/fetch", "fiche-1", 2)
	assert.Equal(t, a, b)
}

func TestWrapsSentinel(t *testing.T) {
	sentinel := errors.New("sentinel")
	wrapped := errors.Join(errors.New("context"), sentinel)

	assert.True(t, wrapsSentinel(sentinel, sentinel))
	assert.True(t, wrapsSentinel(wrapped, sentinel))
	assert.False(t, wrapsSentinel(errors.New("unrelated"), sentinel))
}

func TestDecodeAs_RoundTripsMapToStruct(t *testing.T) {
	raw := map[string]any{
		"successful": []any{"fiche-1", "fiche-2"},
	}

	out, err := decodeAs[contracts.DayWorkerOutput](raw)

	assert := assert.New(t)
	assert.NoError(err)
	assert.Len(out.Successful, 2)
}

func TestDecodeAs_ErrorsOnUnmarshalableInput(t *testing.T) {
	_, err := decodeAs[contracts.DayWorkerOutput](make(chan int))
	assert.Error(t, err)
}

func TestClassifyRunStatus(t *testing.T) {
	tests := []struct {
		name       string
		successful int
		failed     int
		want       contracts.RunStatus
	}{
		{"all successful", 5, 0, contracts.RunCompleted},
		{"zero fiches at all", 0, 0, contracts.RunCompleted},
		{"mixed success and failure is partial", 3, 2, contracts.RunPartial},
		{"all failed", 0, 4, contracts.RunFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyRunStatus(tt.successful, tt.failed)
			assert.Equal(t, tt.want, got)
		})
	}
}
