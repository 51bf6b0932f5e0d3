package decide

import (
	"context"
	"testing"

	"MemeLoop-Agent/internal/actions"
)

const hour = int64(3600)

func TestRuleBasedPrefersUnleashOverHeart(t *testing.T) {
	now := int64(1_000_000)
	decider := NewRuleBased(10)

	tokens := []actions.Token{{Nonce: 2, SummonTime: now - 25*hour}}
	proposal, err := decider.Decide(context.Background(), tokens, actions.Environment{Now: now})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if proposal.Action == nil || proposal.Action.Action != actions.ActionUnleash {
		t.Fatalf("expected unleash to win, got %+v", proposal.Action)
	}
	if proposal.Action.TokenNonce == nil || *proposal.Action.TokenNonce != 2 {
		t.Fatalf("unleash must target the token nonce: %+v", proposal.Action)
	}
}

func TestRuleBasedHeartCarriesAmount(t *testing.T) {
	now := int64(1_000_000)
	decider := NewRuleBased(42)

	tokens := []actions.Token{{Nonce: 2, SummonTime: now - hour}}
	proposal, err := decider.Decide(context.Background(), tokens, actions.Environment{Now: now})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if proposal.Action == nil || proposal.Action.Action != actions.ActionHeart {
		t.Fatalf("expected heart, got %+v", proposal.Action)
	}
	if proposal.Action.Amount == nil || proposal.Action.Amount.Int64() != 42 {
		t.Fatalf("heart must carry the configured amount: %+v", proposal.Action)
	}
}

func TestRuleBasedNoActionAvailable(t *testing.T) {
	decider := NewRuleBased(0)

	proposal, err := decider.Decide(context.Background(), nil, actions.Environment{Now: 1_000_000})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if proposal.Action != nil || proposal.NeedsCompute {
		t.Fatalf("empty token set should yield no action: %+v", proposal)
	}
}

func TestRuleBasedIsDeterministic(t *testing.T) {
	now := int64(1_000_000)
	decider := NewRuleBased(10)
	tokens := []actions.Token{
		{Nonce: 2, SummonTime: now - 25*hour},
		{Nonce: 3, SummonTime: now - 26*hour},
	}
	env := actions.Environment{Now: now}

	first, err := decider.Decide(context.Background(), tokens, env)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := decider.Decide(context.Background(), tokens, env)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if *again.Action.TokenNonce != *first.Action.TokenNonce || again.Action.Action != first.Action.Action {
			t.Fatalf("decisions diverged: %+v vs %+v", first.Action, again.Action)
		}
	}
}
