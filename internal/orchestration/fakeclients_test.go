package orchestration

import (
	"context"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// fakeCRM is a minimal contracts.CRMClient double for orchestration tests.
type fakeCRM struct {
	sales        map[string][]contracts.FicheSummary
	salesErr     error
	details      map[contracts.FicheID]*contracts.FicheDetails
	detailsErr   map[contracts.FicheID]error
	detailsCalls int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		sales:      make(map[string][]contracts.FicheSummary),
		details:    make(map[contracts.FicheID]*contracts.FicheDetails),
		detailsErr: make(map[contracts.FicheID]error),
	}
}

func (f *fakeCRM) ListSalesForDate(ctx context.Context, date time.Time) ([]contracts.FicheSummary, error) {
	if f.salesErr != nil {
		return nil, f.salesErr
	}
	return f.sales[date.Format("2006-01-02")], nil
}

func (f *fakeCRM) GetFicheDetails(ctx context.Context, ficheID contracts.FicheID, cle string) (*contracts.FicheDetails, error) {
	f.detailsCalls++
	if err, ok := f.detailsErr[ficheID]; ok {
		return nil, err
	}
	if d, ok := f.details[ficheID]; ok {
		return d, nil
	}
	return &contracts.FicheDetails{FicheID: ficheID}, nil
}

// fakeTranscription is a minimal contracts.TranscriptionClient double.
type fakeTranscription struct {
	idFor func(recordingURL string) string
	err   error
	calls int
}

func (f *fakeTranscription) Transcribe(ctx context.Context, recordingURL string, priority contracts.TranscriptionPriority) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.idFor != nil {
		return f.idFor(recordingURL), nil
	}
	return "transcription-" + recordingURL, nil
}

// fakeAudit is a minimal contracts.AuditClient double.
type fakeAudit struct {
	result *contracts.AuditResult
	err    error
	calls  int
}

func (f *fakeAudit) RunAudit(ctx context.Context, cfg contracts.AuditConfig, ficheRawData []byte, transcriptIDs []string) (*contracts.AuditResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &contracts.AuditResult{}, nil
}
