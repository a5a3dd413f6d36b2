package transcription

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

func TestClient_Transcribe_ReturnsEngineJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcriptions", r.URL.Path)
		var body submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://example.com/rec1.mp3", body.RecordingURL)
		assert.Equal(t, "high", body.Priority)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcriptionId":"t-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", srv.Client())
	id, err := c.Transcribe(t.Context(), "https://example.com/rec1.mp3", contracts.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
}

func TestClient_Transcribe_ServerErrorWrapsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", srv.Client())
	c.maxRetries = 0
	_, err := c.Transcribe(t.Context(), "https://example.com/rec1.mp3", contracts.PriorityNormal)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrTranscriptionUnavailable)
}

func TestClient_Transcribe_AcceptsBothOKAndAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"transcriptionId":"t-2"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", srv.Client())
	id, err := c.Transcribe(t.Context(), "u", contracts.PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, "t-2", id)
}
