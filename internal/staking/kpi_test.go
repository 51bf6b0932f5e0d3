package staking

import (
	"math/big"
	"testing"

	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/internal/rounds"
)

// ratio 0.001 请求每秒，1e18 定点。
var testRatio = big.NewInt(1_000_000_000_000_000)

func stakedSnapshot(now int64) Snapshot {
	return Snapshot{
		State:            rounds.StakingStaked,
		LivenessRatio:    new(big.Int).Set(testRatio),
		LivenessPeriod:   3600,
		LastCheckpointTs: now - 7200,
	}
}

func TestComputeKpiNotStaked(t *testing.T) {
	engine := NewEngine(0)
	for _, state := range []rounds.StakingState{rounds.StakingUnstaked, rounds.StakingEvicted} {
		result, err := engine.ComputeKpi(Snapshot{State: state}, 1000)
		if err != nil {
			t.Fatalf("state %s: %v", state, err)
		}
		if result.Met {
			t.Fatalf("state %s: KPI must not be met without staking", state)
		}
	}
}

func TestComputeKpiMissingLivenessData(t *testing.T) {
	engine := NewEngine(0)
	now := int64(100_000)

	snapshot := stakedSnapshot(now)
	snapshot.LivenessRatio = nil
	if _, err := engine.ComputeKpi(snapshot, now); err == nil {
		t.Fatalf("expected error for missing ratio")
	} else if !xerrors.Retryable(err) {
		t.Fatalf("missing ratio should be retryable, got %v", err)
	}

	snapshot = stakedSnapshot(now)
	snapshot.LivenessRatio = big.NewInt(0)
	if _, err := engine.ComputeKpi(snapshot, now); err == nil {
		t.Fatalf("expected error for zero ratio")
	}

	snapshot = stakedSnapshot(now)
	snapshot.LivenessPeriod = 0
	if _, err := engine.ComputeKpi(snapshot, now); err == nil {
		t.Fatalf("expected error for zero period")
	}
}

func TestComputeKpiRequiredUsesWidestWindow(t *testing.T) {
	engine := NewEngine(0)
	now := int64(100_000)

	// 距上次 checkpoint 7200 秒，比 liveness period 3600 更宽。
	// required = ceil(7200 * 0.001) = 8。
	snapshot := stakedSnapshot(now)
	snapshot.MechRequestsAtLastCp = 10
	snapshot.CurrentMechRequests = 17

	result, err := engine.ComputeKpi(snapshot, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if result.Required != 8 {
		t.Fatalf("expected required 8, got %d", result.Required)
	}
	if result.Observed != 7 {
		t.Fatalf("expected observed 7, got %d", result.Observed)
	}
	if result.Met {
		t.Fatalf("7 observed should not meet 8 required")
	}

	snapshot.CurrentMechRequests = 18
	result, err = engine.ComputeKpi(snapshot, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !result.Met {
		t.Fatalf("8 observed should meet 8 required")
	}
}

func TestComputeKpiSafetyMargin(t *testing.T) {
	engine := NewEngine(2)
	now := int64(100_000)

	snapshot := stakedSnapshot(now)
	snapshot.CurrentMechRequests = 8

	result, err := engine.ComputeKpi(snapshot, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if result.Required != 10 {
		t.Fatalf("expected margin on top of required, got %d", result.Required)
	}
	if result.Met {
		t.Fatalf("margin should push requirement above observed")
	}
}

func TestComputeKpiClampsObserved(t *testing.T) {
	engine := NewEngine(0)
	now := int64(100_000)

	// 基线大于当前计数说明基线来自另一条链或被重置，增量按零处理。
	snapshot := stakedSnapshot(now)
	snapshot.MechRequestsAtLastCp = 50
	snapshot.CurrentMechRequests = 20

	result, err := engine.ComputeKpi(snapshot, now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if result.Observed != 0 {
		t.Fatalf("expected clamped observed 0, got %d", result.Observed)
	}
}

func TestCheckpointDue(t *testing.T) {
	now := int64(5000)
	if !CheckpointDue(0, now) {
		t.Fatalf("zero next checkpoint should be due immediately")
	}
	if !CheckpointDue(now, now) {
		t.Fatalf("checkpoint at now should be due")
	}
	if !CheckpointDue(now-1, now) {
		t.Fatalf("past checkpoint should be due")
	}
	if CheckpointDue(now+1, now) {
		t.Fatalf("future checkpoint must not be due")
	}
}
