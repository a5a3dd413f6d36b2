package contracts

import "testing"

func TestRunStatus_IsTerminal(t *testing.T) {
	cases := map[RunStatus]bool{
		RunRunning:   false,
		RunCompleted: true,
		RunPartial:   true,
		RunFailed:    true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestRunStatus_String(t *testing.T) {
	if RunCompleted.String() != "completed" {
		t.Errorf("String() = %q, want %q", RunCompleted.String(), "completed")
	}
}

func TestFicheCacheState_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to FicheCacheState
		want     bool
	}{
		{FicheCacheAbsent, FicheCacheSalesListOnly, true},
		{FicheCacheAbsent, FicheCacheFullDetails, true},
		{FicheCacheSalesListOnly, FicheCacheFullDetails, true},
		{FicheCacheFullDetails, FicheCacheSalesListOnly, false},
		{FicheCacheFullDetails, FicheCacheFullDetails, true},
		{FicheCacheNotFound, FicheCacheSalesListOnly, false},
		{FicheCacheNotFound, FicheCacheFullDetails, false},
		{FicheCacheNotFound, FicheCacheNotFound, true},
		{FicheCacheSalesListOnly, FicheCacheSalesListOnly, true},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestAuditStatus_IsTerminal(t *testing.T) {
	cases := map[AuditStatus]bool{
		AuditPending:   false,
		AuditRunning:   false,
		AuditCompleted: true,
		AuditFailed:    true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}
