package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiecall/automation-orchestrator/contracts"
	"github.com/vigiecall/automation-orchestrator/internal/repository"
)

func TestApplyGroupFilter(t *testing.T) {
	groupe := "sales-a"
	other := "sales-b"

	tests := []struct {
		name   string
		fc     *contracts.FicheCache
		filter []string
		want   string
	}{
		{"no filter allows anything", &contracts.FicheCache{Groupe: &groupe}, nil, ""},
		{"matching group passes", &contracts.FicheCache{Groupe: &groupe}, []string{"sales-a", "sales-c"}, ""},
		{"non-matching group is rejected", &contracts.FicheCache{Groupe: &other}, []string{"sales-a"}, "Groupe not selected"},
		{"nil group with a filter is rejected", &contracts.FicheCache{Groupe: nil}, []string{"sales-a"}, "Groupe not selected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyGroupFilter(tt.fc, tt.filter)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyRecordingPolicy(t *testing.T) {
	tests := []struct {
		name               string
		count              int
		maxRecordings      int
		onlyWithRecordings bool
		want               string
	}{
		{"within configured max", 5, 10, false, ""},
		{"over configured max", 11, 10, false, "Too many recordings"},
		{"zero or negative max falls back to hard ceiling", 49, 0, false, ""},
		{"over hard ceiling even with max disabled", 51, 0, false, "Too many recordings"},
		{"configured max above hard ceiling is clamped", 51, 1000, false, "Too many recordings"},
		{"zero recordings allowed by default", 0, 10, false, ""},
		{"zero recordings rejected when onlyWithRecordings", 0, 10, true, "No recordings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyRecordingPolicy(tt.count, tt.maxRecordings, tt.onlyWithRecordings)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFicheWorker_HandleFetch_PersistsFullDetailsOnSuccess(t *testing.T) {
	repo := repository.NewMemoryRepository()
	crm := newFakeCRM()
	crm.details["fiche-1"] = &contracts.FicheDetails{
		FicheID: "fiche-1", Cle: "cle-1", Groupe: "g1", RecordingsCount: 2,
		Recordings: []contracts.Recording{{ExternalID: "r1", URL: "u1"}, {ExternalID: "r2", URL: "u2"}},
	}
	worker := NewFicheWorker(repo, crm, &fakeTranscription{}, &fakeAudit{})
	engine := &fakeEngine{}

	err := worker.HandleFetch(context.Background(), engine, contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-1"})

	require.NoError(t, err)
	assert.Equal(t, 1, crm.detailsCalls)

	cached, err := repo.GetFicheCache(context.Background(), "fiche-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.IsFullDetails())
}

func TestFicheWorker_HandleFetch_MarksNotFound(t *testing.T) {
	repo := repository.NewMemoryRepository()
	crm := newFakeCRM()
	crm.detailsErr["fiche-missing"] = contracts.ErrFicheNotFound
	worker := NewFicheWorker(repo, crm, &fakeTranscription{}, &fakeAudit{})
	engine := &fakeEngine{}

	err := worker.HandleFetch(context.Background(), engine, contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-missing"})

	require.NoError(t, err)
	cached, err := repo.GetFicheCache(context.Background(), "fiche-missing")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.IsNotFound())
}

func TestFicheWorker_HandleFetch_SkipsAlreadySettledFiche(t *testing.T) {
	repo := repository.NewMemoryRepository()
	success := true
	require.NoError(t, repo.UpsertFullDetails(context.Background(), &contracts.FicheCache{
		FicheID: "fiche-1", DetailsSuccess: &success,
	}, nil))

	crm := newFakeCRM()
	worker := NewFicheWorker(repo, crm, &fakeTranscription{}, &fakeAudit{})
	engine := &fakeEngine{}

	err := worker.HandleFetch(context.Background(), engine, contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-1"})

	require.NoError(t, err)
	assert.Equal(t, 0, crm.detailsCalls, "CRM should never be called for an already-settled fiche")
}

func TestFicheWorker_HandleFetch_PropagatesCRMError(t *testing.T) {
	repo := repository.NewMemoryRepository()
	crm := newFakeCRM()
	wantErr := errors.New("crm unavailable")
	crm.detailsErr["fiche-1"] = wantErr
	worker := NewFicheWorker(repo, crm, &fakeTranscription{}, &fakeAudit{})
	engine := &fakeEngine{}

	err := worker.HandleFetch(context.Background(), engine, contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-1"})

	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestFicheWorker_HandleTranscribe_SkipsWhenAlreadyTranscribedAndSkipRequested(t *testing.T) {
	repo := repository.NewMemoryRepository()
	tc := &fakeTranscription{}
	worker := NewFicheWorker(repo, newFakeCRM(), tc, &fakeAudit{})
	engine := &fakeEngine{}

	rec := contracts.Recording{ID: 1, HasTranscription: true}
	in := contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-1", SkipIfTranscribed: true}

	err := worker.HandleTranscribe(context.Background(), engine, in, rec, 0)

	require.NoError(t, err)
	assert.Equal(t, 0, tc.calls)
}

func TestFicheWorker_HandleTranscribe_PersistsTranscriptionID(t *testing.T) {
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.UpsertFullDetails(context.Background(), &contracts.FicheCache{FicheID: "fiche-1"}, []contracts.Recording{
		{ExternalID: "rec-1", URL: "https://example.test/r1"},
	}))
	recs, err := repo.ListRecordings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	tc := &fakeTranscription{idFor: func(string) string { return "transcript-xyz" }}
	worker := NewFicheWorker(repo, newFakeCRM(), tc, &fakeAudit{})
	engine := &fakeEngine{}

	in := contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-1"}
	err = worker.HandleTranscribe(context.Background(), engine, in, recs[0], 0)

	require.NoError(t, err)
	assert.Equal(t, 1, tc.calls)

	after, err := repo.ListRecordings(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, after[0].TranscriptionID)
	assert.Equal(t, "transcript-xyz", *after[0].TranscriptionID)
}

func TestFicheWorker_HandleAudit_RecordsCompletedResult(t *testing.T) {
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.UpsertFullDetails(context.Background(), &contracts.FicheCache{FicheID: "fiche-1"}, nil))
	fc, err := repo.GetFicheCache(context.Background(), "fiche-1")
	require.NoError(t, err)

	score := 0.9
	audit := &fakeAudit{result: &contracts.AuditResult{Score: &score}}
	worker := NewFicheWorker(repo, newFakeCRM(), &fakeTranscription{}, audit)
	engine := &fakeEngine{}

	in := contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-1"}
	cfg := contracts.AuditConfig{ID: "cfg-1"}

	err = worker.HandleAudit(context.Background(), engine, in, fc, cfg)

	require.NoError(t, err)
	assert.Equal(t, 1, audit.calls)
}

func TestFicheWorker_HandleAudit_RecordsFailureWithoutError(t *testing.T) {
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.UpsertFullDetails(context.Background(), &contracts.FicheCache{FicheID: "fiche-1"}, nil))
	fc, err := repo.GetFicheCache(context.Background(), "fiche-1")
	require.NoError(t, err)

	audit := &fakeAudit{err: errors.New("llm timeout")}
	worker := NewFicheWorker(repo, newFakeCRM(), &fakeTranscription{}, audit)
	engine := &fakeEngine{}

	in := contracts.FicheWorkerInput{RunID: "run-1", FicheID: "fiche-1"}
	cfg := contracts.AuditConfig{ID: "cfg-1"}

	// HandleAudit records the failure on the Audit row and does not
	// surface the collaborator error from the step itself.
	err = worker.HandleAudit(context.Background(), engine, in, fc, cfg)
	require.NoError(t, err)
}
