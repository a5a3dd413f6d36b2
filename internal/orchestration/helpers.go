package orchestration

import (
	"errors"
	"fmt"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// stepID builds the deterministic checkpoint/dispatch id every external
// invocation carries: run-<runId>-<stage>-<ficheId>[-retry-<n>].
func stepID(runID contracts.RunID, stage string, ficheID contracts.FicheID, retry int) string {
	if retry > 0 {
		return fmt.Sprintf("run-%s-%s-%s-retry-%d", runID, stage, ficheID, retry)
	}
	return fmt.Sprintf("run-%s-%s-%s", runID, stage, ficheID)
}

// wrapsSentinel reports whether err is, or wraps, target.
func wrapsSentinel(err, target error) bool {
	return errors.Is(err, target)
}
