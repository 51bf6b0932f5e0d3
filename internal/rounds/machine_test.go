package rounds

import (
	"context"
	"errors"
	"testing"
	"time"

	"MemeLoop-Agent/internal/consensus"
	xerrors "MemeLoop-Agent/internal/errors"
)

type scriptedService struct {
	outcomes []consensus.Outcome
	index    int
}

func (s *scriptedService) Propose(_ context.Context, _ string, payload []byte) (consensus.Outcome, error) {
	if s.index >= len(s.outcomes) {
		return consensus.Outcome{Status: consensus.StatusAgreed, Payload: payload}, nil
	}
	outcome := s.outcomes[s.index]
	s.index++
	return outcome, nil
}

func passthroughSpec(id RoundID, event Event) *Spec {
	return &Spec{
		ID:  id,
		Act: func(_ context.Context, _ *SynchronizedData) ([]byte, error) { return []byte("payload"), nil },
		Apply: func(_ *SynchronizedData, payload []byte) (map[string]string, Event, error) {
			return map[string]string{KeyMemeCoins: string(payload)}, event, nil
		},
	}
}

func twoRoundTransitions() map[RoundID]map[Event]RoundID {
	return map[RoundID]map[Event]RoundID{
		RoundCheckFunds: {
			EventDone:         RoundPullMemes,
			EventNoMajority:   RoundCheckFunds,
			EventRoundTimeout: RoundCheckFunds,
		},
		RoundPullMemes: {
			EventDone:         RoundCheckFunds,
			EventNoMajority:   RoundPullMemes,
			EventRoundTimeout: RoundPullMemes,
		},
	}
}

func TestMachineStepAdvancesOnAgreement(t *testing.T) {
	var finalized []string
	machine, err := NewMachine(
		consensus.NewLocalService(),
		RoundCheckFunds,
		NewSynchronizedData(nil),
		[]*Spec{
			passthroughSpec(RoundCheckFunds, EventDone),
			passthroughSpec(RoundPullMemes, EventDone),
		},
		twoRoundTransitions(),
		WithFinalizeHook(func(round RoundID, event Event, _ string) {
			finalized = append(finalized, string(round)+":"+string(event))
		}),
	)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	event, err := machine.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if event != EventDone {
		t.Fatalf("unexpected event: %s", event)
	}
	if machine.Current() != RoundPullMemes {
		t.Fatalf("expected advance to pull memes, at %s", machine.Current())
	}
	if got := machine.Snapshot().MemeCoins(); got != "payload" {
		t.Fatalf("writes not applied: %q", got)
	}
	if len(finalized) != 1 || finalized[0] != "check_funds:done" {
		t.Fatalf("unexpected finalize hooks: %v", finalized)
	}
}

func TestMachineSelfLoopsWithoutMajority(t *testing.T) {
	service := &scriptedService{outcomes: []consensus.Outcome{
		{Status: consensus.StatusNoMajority},
		{Status: consensus.StatusTimeout},
	}}
	machine, err := NewMachine(
		service,
		RoundCheckFunds,
		NewSynchronizedData(nil),
		[]*Spec{
			passthroughSpec(RoundCheckFunds, EventDone),
			passthroughSpec(RoundPullMemes, EventDone),
		},
		twoRoundTransitions(),
	)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	for _, want := range []Event{EventNoMajority, EventRoundTimeout} {
		event, err := machine.Step(context.Background())
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if event != want {
			t.Fatalf("expected %s, got %s", want, event)
		}
		if machine.Current() != RoundCheckFunds {
			t.Fatalf("round should not advance, at %s", machine.Current())
		}
	}
}

func TestMachineFatalResetsToInitial(t *testing.T) {
	broken := &Spec{
		ID:  RoundPullMemes,
		Act: func(_ context.Context, _ *SynchronizedData) ([]byte, error) { return []byte("x"), nil },
		Apply: func(_ *SynchronizedData, _ []byte) (map[string]string, Event, error) {
			return nil, "", errors.New("invariant broken")
		},
	}
	machine, err := NewMachine(
		consensus.NewLocalService(),
		RoundCheckFunds,
		NewSynchronizedData(nil),
		[]*Spec{passthroughSpec(RoundCheckFunds, EventDone), broken},
		twoRoundTransitions(),
	)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if _, err := machine.Step(context.Background()); err != nil {
		t.Fatalf("first step: %v", err)
	}
	event, err := machine.Step(context.Background())
	if err != nil {
		t.Fatalf("broken step: %v", err)
	}
	if event != EventFatal {
		t.Fatalf("expected fatal event, got %s", event)
	}
	if machine.Current() != RoundCheckFunds {
		t.Fatalf("fatal event should reset to initial round, at %s", machine.Current())
	}
}

func TestMachineRunBacksOffOnTimeout(t *testing.T) {
	// 行为持续失败、单副本不投票时回合以超时自环。退避让自环不空转。
	failing := &Spec{
		ID:  RoundCheckFunds,
		Act: func(_ context.Context, _ *SynchronizedData) ([]byte, error) { return nil, errors.New("rpc down") },
		Apply: func(_ *SynchronizedData, _ []byte) (map[string]string, Event, error) {
			return nil, EventDone, nil
		},
	}
	var steps int
	machine, err := NewMachine(
		consensus.NewLocalService(),
		RoundCheckFunds,
		NewSynchronizedData(nil),
		[]*Spec{failing, passthroughSpec(RoundPullMemes, EventDone)},
		twoRoundTransitions(),
		WithFinalizeHook(func(_ RoundID, _ Event, _ string) { steps++ }),
		WithRetryBackoff(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	if err := machine.Run(ctx); err == nil {
		t.Fatalf("run must stop with the context")
	}
	if steps == 0 || steps > 10 {
		t.Fatalf("timeout self loop should be throttled, ran %d steps", steps)
	}
}

func TestMachineRejectsUnknownTransition(t *testing.T) {
	spec := passthroughSpec(RoundCheckFunds, EventSettle)
	machine, err := NewMachine(
		consensus.NewLocalService(),
		RoundCheckFunds,
		NewSynchronizedData(nil),
		[]*Spec{spec, passthroughSpec(RoundPullMemes, EventDone)},
		twoRoundTransitions(),
	)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	_, err = machine.Step(context.Background())
	if err == nil {
		t.Fatalf("expected no-transition error")
	}
	if code := xerrors.CodeOf(err); code != CodeNoTransition {
		t.Fatalf("unexpected error code: %s", code)
	}
}

func TestNewMachineValidation(t *testing.T) {
	sd := NewSynchronizedData(nil)

	if _, err := NewMachine(nil, RoundCheckFunds, sd, nil, nil); err == nil {
		t.Fatalf("expected error without consensus service")
	}
	if _, err := NewMachine(consensus.NewLocalService(), RoundCheckFunds, sd,
		[]*Spec{passthroughSpec(RoundPullMemes, EventDone)}, nil); err == nil {
		t.Fatalf("expected error for undefined initial round")
	}
	badTransitions := map[RoundID]map[Event]RoundID{
		RoundCheckFunds: {EventDone: RoundSettlement},
	}
	if _, err := NewMachine(consensus.NewLocalService(), RoundCheckFunds, sd,
		[]*Spec{passthroughSpec(RoundCheckFunds, EventDone)}, badTransitions); err == nil {
		t.Fatalf("expected error for transition to undefined round")
	}
}

func TestDefaultTransitionsCoverEveryRound(t *testing.T) {
	transitions := DefaultTransitions()
	all := []RoundID{
		RoundCheckFunds, RoundPullMemes, RoundActionDecision, RoundActionPreparation,
		RoundSettlement, RoundPostTxDecision, RoundCallCheckpoint,
		RoundMechRequest, RoundMechResponse, RoundTransactionLoopCheck,
	}
	for _, round := range all {
		edges, ok := transitions[round]
		if !ok {
			t.Fatalf("round %s missing from transition table", round)
		}
		if _, ok := edges[EventNoMajority]; !ok {
			t.Fatalf("round %s missing no-majority self loop", round)
		}
		if _, ok := edges[EventRoundTimeout]; !ok {
			t.Fatalf("round %s missing timeout self loop", round)
		}
		for event, to := range edges {
			if !KnownRound(to) {
				t.Fatalf("round %s event %s leads to unknown round %s", round, event, to)
			}
		}
	}
}
