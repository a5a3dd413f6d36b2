package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

func TestMapError_NilReturnsNil(t *testing.T) {
	assert.Nil(t, MapError(nil))
}

func TestMapError_MapsEachSentinel(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code ErrorCode
	}{
		{"schedule not found", contracts.ErrScheduleNotFound, http.StatusNotFound, CodeNotFound},
		{"schedule inactive", contracts.ErrScheduleInactive, http.StatusConflict, CodeConflict},
		{"schedule manual", contracts.ErrScheduleManual, http.StatusConflict, CodeConflict},
		{"run already running", contracts.ErrRunAlreadyRunning, http.StatusConflict, CodeConflict},
		{"invalid input", contracts.ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := MapError(c.err)
			require.NotNil(t, got)
			assert.Equal(t, c.want, got.StatusCode)
			assert.Equal(t, c.code, got.Code)
		})
	}
}

func TestMapError_ConfigErrorClassificationWinsOverSentinelMatch(t *testing.T) {
	err := contracts.Classify(contracts.CodeConfigError, fmt.Errorf("loading schedule: %w", contracts.ErrScheduleNotFound))
	got := MapError(err)
	require.NotNil(t, got)
	assert.Equal(t, http.StatusBadRequest, got.StatusCode)
	assert.Equal(t, CodeInvalidInput, got.Code)
}

func TestWriteError_WritesMappedStatusAndBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, contracts.ErrScheduleNotFound)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), string(CodeNotFound))
}

func TestWriteError_NilErrorWritesNothing(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, nil)
	assert.Equal(t, 0, w.Body.Len())
}
