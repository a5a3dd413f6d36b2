package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

func testPayload() contracts.NotificationPayload {
	return contracts.NotificationPayload{
		ScheduleID:   "s1",
		ScheduleName: "nightly",
		RunID:        "run-1",
		Status:       contracts.RunCompleted,
		TotalFiches:  3,
	}
}

func TestNotifier_SendWebhook_PostsJSONPayload(t *testing.T) {
	var received contracts.NotificationPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.Client(), "", nil, "")
	err := n.SendWebhook(t.Context(), srv.URL, testPayload())
	require.NoError(t, err)
	assert.Equal(t, contracts.RunID("run-1"), received.RunID)
	assert.Equal(t, 3, received.TotalFiches)
}

func TestNotifier_SendWebhook_NonSuccessStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(srv.Client(), "", nil, "")
	err := n.SendWebhook(t.Context(), srv.URL, testPayload())
	assert.Error(t, err)
}

func TestNotifier_SendWebhook_InvalidURLErrors(t *testing.T) {
	n := NewNotifier(nil, "", nil, "")
	err := n.SendWebhook(t.Context(), "://bad-url", testPayload())
	assert.Error(t, err)
}

func TestNotifier_SendEmail_NoopWhenSMTPAddrEmpty(t *testing.T) {
	n := NewNotifier(nil, "", nil, "")
	err := n.SendEmail(t.Context(), []string{"a@example.com"}, testPayload())
	assert.NoError(t, err)
}

func TestNotifier_SendEmail_NoopWhenNoRecipients(t *testing.T) {
	n := NewNotifier(nil, "smtp.example.com:25", nil, "from@example.com")
	err := n.SendEmail(t.Context(), nil, testPayload())
	assert.NoError(t, err)
}

func TestNewNotifier_DefaultsHTTPClientWhenNil(t *testing.T) {
	n := NewNotifier(nil, "", nil, "")
	assert.NotNil(t, n.httpClient)
}
