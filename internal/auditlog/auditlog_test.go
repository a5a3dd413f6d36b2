package auditlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vigiecall/automation-orchestrator/contracts"
	"github.com/vigiecall/automation-orchestrator/internal/repository"
)

// spyRepo wraps a real MemoryRepository and records every AppendRunLog
// call, since MemoryRepository keeps its run log slice unexported.
type spyRepo struct {
	*repository.MemoryRepository
	logs []*contracts.RunLog
}

func newSpyRepo() *spyRepo {
	return &spyRepo{MemoryRepository: repository.NewMemoryRepository()}
}

func (s *spyRepo) AppendRunLog(ctx context.Context, entry *contracts.RunLog) error {
	s.logs = append(s.logs, entry)
	return s.MemoryRepository.AppendRunLog(ctx, entry)
}

func TestLogger_Info_WritesToRepoAndZap(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	zl := zap.New(core)
	repo := newSpyRepo()

	l := New(zl, repo, "run-1", "")
	l.Info(context.Background(), "run started", map[string]string{"mode": "manual"})

	require.Len(t, repo.logs, 1)
	assert.Equal(t, contracts.LogInfo, repo.logs[0].Level)
	assert.Equal(t, "run started", repo.logs[0].Message)
	assert.Equal(t, "manual", repo.logs[0].Metadata["mode"])

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "run started", logs.All()[0].Message)
}

func TestLogger_Warn_And_Error_UseCorrectLevel(t *testing.T) {
	repo := newSpyRepo()
	l := New(zap.NewNop(), repo, "run-1", "")

	l.Warn(context.Background(), "a warning", nil)
	l.Error(context.Background(), "an error", nil)
	l.Debug(context.Background(), "a debug line", nil)

	require.Len(t, repo.logs, 3)
	assert.Equal(t, contracts.LogWarning, repo.logs[0].Level)
	assert.Equal(t, contracts.LogError, repo.logs[1].Level)
	assert.Equal(t, contracts.LogDebug, repo.logs[2].Level)
}

func TestLogger_SanitizesBlockedMetadataKeys(t *testing.T) {
	repo := newSpyRepo()
	l := New(zap.NewNop(), repo, "run-1", "")

	l.Info(context.Background(), "fetched fiche", map[string]string{
		"cle":      "super-secret",
		"password": "hunter2",
		"token":    "abc",
		"apiKey":   "xyz",
		"fiche_id": "fiche-1",
	})

	require.Len(t, repo.logs, 1)
	meta := repo.logs[0].Metadata
	assert.Equal(t, "[redacted]", meta["cle"])
	assert.Equal(t, "[redacted]", meta["password"])
	assert.Equal(t, "[redacted]", meta["token"])
	assert.Equal(t, "[redacted]", meta["apiKey"])
	assert.Equal(t, "fiche-1", meta["fiche_id"])
}

func TestLogger_NilMetadataIsNotSanitizedIntoEmptyMap(t *testing.T) {
	repo := newSpyRepo()
	l := New(zap.NewNop(), repo, "run-1", "")

	l.Info(context.Background(), "no metadata", nil)

	require.Len(t, repo.logs, 1)
	assert.Nil(t, repo.logs[0].Metadata)
}

func TestLogger_WritesDebugFileWhenDirConfigured(t *testing.T) {
	dir := t.TempDir()
	repo := newSpyRepo()
	l := New(zap.NewNop(), repo, "run-42", dir)

	l.Info(context.Background(), "line one", map[string]string{"k": "v"})
	l.Warn(context.Background(), "line two", nil)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "run-42.log"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "line one")
	assert.Contains(t, content, "line two")
	assert.Contains(t, content, "k=v")
}

func TestLogger_NoFileWrittenWhenDirEmpty(t *testing.T) {
	dir := t.TempDir()
	repo := newSpyRepo()
	l := New(zap.NewNop(), repo, "run-1", "")
	l.Info(context.Background(), "no file", nil)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogger_Close_WithoutFileIsANoop(t *testing.T) {
	repo := newSpyRepo()
	l := New(zap.NewNop(), repo, "run-1", "")
	assert.NoError(t, l.Close())
}
