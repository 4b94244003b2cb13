package circuitbreaker

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dskow/netcore/internal/config"
)

func newTestRegistry(threshold int) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg := config.CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeoutMs: 1000, MinimumRequests: 1}
	return newRegistry(cfg, testLogger(), clock.Now), clock
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(2)

	r.RecordFailure("a.example")
	r.RecordFailure("a.example")

	if err := r.Admit("a.example"); err == nil {
		t.Fatal("expected a.example to be open")
	}
	if err := r.Admit("b.example"); err != nil {
		t.Fatalf("expected b.example to be closed, got %v", err)
	}
}

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	r, _ := newTestRegistry(2)
	if r.Get("k") != r.Get("k") {
		t.Fatal("expected one breaker per key")
	}
}

func TestRegistry_StateOfUnseenKey(t *testing.T) {
	r, _ := newTestRegistry(2)
	if s := r.State("never"); s != StateClosed {
		t.Fatalf("expected closed for unseen key, got %v", s)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("State must not create breakers")
	}
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r, _ := newTestRegistry(1)
	r.Get("zeta")
	r.ForceOpen("alpha")
	r.Get("mid")

	snaps := r.Snapshot()
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	if snaps[0].Key != "alpha" || snaps[2].Key != "zeta" {
		t.Errorf("expected sorted keys, got %s..%s", snaps[0].Key, snaps[2].Key)
	}
	if snaps[0].State != StateOpen {
		t.Errorf("expected alpha open, got %v", snaps[0].State)
	}

	data, err := json.Marshal(snaps[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"state":"open"`) {
		t.Errorf("expected state name in JSON, got %s", data)
	}
}

func TestRegistry_UpdateConfigKeepsState(t *testing.T) {
	r, _ := newTestRegistry(5)
	r.RecordFailure("k")
	r.RecordFailure("k")

	r.UpdateConfig(config.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeoutMs: 1000, MinimumRequests: 1})
	if r.State("k") != StateClosed {
		t.Fatal("update must not change state")
	}
	r.RecordFailure("k")
	if r.State("k") != StateOpen {
		t.Fatalf("expected new threshold to apply to existing counters, got %v", r.State("k"))
	}

	r.RecordFailure("fresh")
	r.RecordFailure("fresh")
	r.RecordFailure("fresh")
	if r.State("fresh") != StateOpen {
		t.Fatal("expected new breakers to use updated threshold")
	}
}

func TestRegistry_ForceCloseResets(t *testing.T) {
	r, clock := newTestRegistry(1)
	r.RecordFailure("k")
	r.ForceClose("k")
	if err := r.Admit("k"); err != nil {
		t.Fatalf("expected admit after force close, got %v", err)
	}
	clock.Advance(time.Hour)
	r.RecordSuccess("k")
	if r.State("k") != StateClosed {
		t.Fatalf("expected closed, got %v", r.State("k"))
	}
}
