package rounds

import "testing"

func TestSynchronizedDataApplyIsCopyOnWrite(t *testing.T) {
	base := NewSynchronizedData(map[string]string{
		KeyAgentAddress: "0xabc",
	})

	next := base.Apply(map[string]string{
		KeyFinalTxHash: "0xdead",
		KeyTxLoopCount: "3",
	})

	if hash := base.FinalTxHash(); hash != "" {
		t.Fatalf("base snapshot mutated: %q", hash)
	}
	if hash := next.FinalTxHash(); hash != "0xdead" {
		t.Fatalf("unexpected final tx hash: %q", hash)
	}
	if next.AgentAddress() != "0xabc" {
		t.Fatalf("existing key lost after apply")
	}
	if next.TxLoopCount() != 3 {
		t.Fatalf("unexpected loop count: %d", next.TxLoopCount())
	}
}

func TestSynchronizedDataKeepsHistory(t *testing.T) {
	sd := NewSynchronizedData(nil)
	sd = sd.Apply(map[string]string{KeyTokenAction: "a"})
	sd = sd.Apply(map[string]string{KeyTokenAction: "b"})

	history := sd.History(KeyTokenAction)
	if len(history) != 2 || history[0] != "a" || history[1] != "b" {
		t.Fatalf("unexpected history: %v", history)
	}
	if sd.TokenAction() != "b" {
		t.Fatalf("current value should be last write, got %q", sd.TokenAction())
	}
}

func TestSynchronizedDataDefaults(t *testing.T) {
	sd := NewSynchronizedData(nil)

	if sd.StakingState() != StakingUnstaked {
		t.Fatalf("missing staking state should default to unstaked")
	}
	if sd.TxLoopCount() != 0 {
		t.Fatalf("missing loop count should default to zero")
	}
	ts, err := sd.TsCheckpoint()
	if err != nil || ts != 0 {
		t.Fatalf("missing checkpoint ts should be zero, got %d err %v", ts, err)
	}

	sd = sd.Apply(map[string]string{KeyTsCheckpoint: "not-a-number"})
	if _, err := sd.TsCheckpoint(); err == nil {
		t.Fatalf("expected parse error for corrupt checkpoint ts")
	}
}

func TestSynchronizedDataStakingStates(t *testing.T) {
	sd := NewSynchronizedData(map[string]string{KeyStakingState: string(StakingEvicted)})
	if sd.StakingState() != StakingEvicted {
		t.Fatalf("unexpected staking state: %s", sd.StakingState())
	}
	sd = sd.Apply(map[string]string{KeyStakingState: "garbage"})
	if sd.StakingState() != StakingUnstaked {
		t.Fatalf("unknown staking state should fold to unstaked")
	}
}
