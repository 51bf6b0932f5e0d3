package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestQualifiedMajority(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 3, 4: 3, 5: 4, 7: 5}
	for total, want := range cases {
		if got := QualifiedMajority(total); got != want {
			t.Fatalf("majority of %d: expected %d, got %d", total, want, got)
		}
	}
}

func TestTallyAgreesOnIdenticalPayloads(t *testing.T) {
	tally := NewTally(4, QualifiedMajority(4))

	tally.Add("r0", 1, []byte("same"))
	tally.Add("r1", 1, []byte("same"))
	if _, ok := tally.Agreed(); ok {
		t.Fatalf("two votes must not reach a majority of three")
	}
	tally.Add("r2", 1, []byte("same"))
	payload, ok := tally.Agreed()
	if !ok {
		t.Fatalf("three identical votes should agree")
	}
	if string(payload) != "same" {
		t.Fatalf("unexpected agreed payload: %q", payload)
	}
}

func TestTallyIgnoresDuplicateReplicas(t *testing.T) {
	tally := NewTally(3, 3)
	tally.Add("r0", 1, []byte("x"))
	tally.Add("r0", 1, []byte("x"))
	tally.Add("r0", 1, []byte("x"))
	if _, ok := tally.Agreed(); ok {
		t.Fatalf("one replica voting three times must not agree")
	}
}

func TestTallyDetectsImpossibleMajority(t *testing.T) {
	tally := NewTally(3, 3)
	tally.Add("r0", 1, []byte("a"))
	tally.Add("r1", 1, []byte("b"))
	if !tally.Impossible() {
		t.Fatalf("split vote with one replica left cannot reach threshold three")
	}
}

func TestTallyPrefersLatestSequence(t *testing.T) {
	tally := NewTally(2, 2)

	// 上一次回合访问的残留投票先到，新投票要把它顶掉。
	if !tally.Add("r1", 1, []byte("old")) {
		t.Fatalf("first vote must be accepted")
	}
	if !tally.Add("r1", 3, []byte("new")) {
		t.Fatalf("newer sequence must replace the stale vote")
	}
	if tally.Add("r1", 2, []byte("old")) {
		t.Fatalf("older sequence must not displace the fresh vote")
	}

	tally.Add("r0", 3, []byte("new"))
	payload, ok := tally.Agreed()
	if !ok || string(payload) != "new" {
		t.Fatalf("fresh votes should agree, got %q ok=%v", payload, ok)
	}
}

func TestQuorumServiceAgreesAcrossReplicas(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()

	const replicas = 3
	services := make([]*QuorumService, replicas)
	for i := 0; i < replicas; i++ {
		services[i] = NewQuorumService(
			hub.Join(),
			fmt.Sprintf("replica-%d", i),
			replicas,
			WithCollectTimeout(2*time.Second),
		)
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, replicas)
	errs := make([]error, replicas)
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = services[i].Propose(context.Background(), "check_funds", []byte("payload"))
		}(i)
	}
	wg.Wait()

	for i := range outcomes {
		if errs[i] != nil {
			t.Fatalf("replica %d: %v", i, errs[i])
		}
		if outcomes[i].Status != StatusAgreed {
			t.Fatalf("replica %d: expected agreement, got %s", i, outcomes[i].Status)
		}
		if string(outcomes[i].Payload) != "payload" {
			t.Fatalf("replica %d: unexpected payload %q", i, outcomes[i].Payload)
		}
	}
}

func TestQuorumServiceReportsNoMajority(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()

	const replicas = 3
	services := make([]*QuorumService, replicas)
	for i := 0; i < replicas; i++ {
		services[i] = NewQuorumService(
			hub.Join(),
			fmt.Sprintf("replica-%d", i),
			replicas,
			WithCollectTimeout(2*time.Second),
		)
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, replicas)
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 每个副本提交不同的负载，多数必然无法形成。
			payload := []byte(fmt.Sprintf("divergent-%d", i))
			outcomes[i], _ = services[i].Propose(context.Background(), "check_funds", payload)
		}(i)
	}
	wg.Wait()

	for i := range outcomes {
		if outcomes[i].Status != StatusNoMajority {
			t.Fatalf("replica %d: expected no majority, got %s", i, outcomes[i].Status)
		}
	}
}

func TestQuorumServiceIgnoresStaleEnvelopes(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()

	transportA := hub.Join()
	transportB := hub.Join()
	serviceA := NewQuorumService(transportA, "replica-0", 2, WithCollectTimeout(2*time.Second))
	serviceB := NewQuorumService(transportB, "replica-1", 2, WithCollectTimeout(2*time.Second))

	// 上一次访问 settlement 回合时 B 的投票滞留在队列里，序号早于
	// 本次提交，两个副本都必须把它当残留丢弃。
	stale := Envelope{ID: "stale", Round: "settlement", Replica: "replica-1", Seq: 0, Payload: []byte("old")}
	if err := transportB.Broadcast(context.Background(), stale); err != nil {
		t.Fatalf("broadcast stale: %v", err)
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	for i, service := range []*QuorumService{serviceA, serviceB} {
		wg.Add(1)
		go func(i int, service *QuorumService) {
			defer wg.Done()
			outcomes[i], errs[i] = service.Propose(context.Background(), "settlement", []byte("new"))
		}(i, service)
	}
	wg.Wait()

	for i := range outcomes {
		if errs[i] != nil {
			t.Fatalf("replica %d: %v", i, errs[i])
		}
		if outcomes[i].Status != StatusAgreed {
			t.Fatalf("replica %d: stale envelope broke agreement, got %s", i, outcomes[i].Status)
		}
		if string(outcomes[i].Payload) != "new" {
			t.Fatalf("replica %d: stale payload won: %q", i, outcomes[i].Payload)
		}
	}
}

func TestQuorumServiceTimesOutAlone(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()

	service := NewQuorumService(hub.Join(), "replica-0", 3, WithCollectTimeout(50*time.Millisecond))
	outcome, err := service.Propose(context.Background(), "check_funds", []byte("alone"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if outcome.Status != StatusTimeout {
		t.Fatalf("expected timeout without peers, got %s", outcome.Status)
	}
}

func TestLocalService(t *testing.T) {
	service := NewLocalService()

	outcome, err := service.Propose(context.Background(), "check_funds", []byte("x"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if outcome.Status != StatusAgreed || string(outcome.Payload) != "x" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	outcome, err = service.Propose(context.Background(), "check_funds", nil)
	if err != nil {
		t.Fatalf("propose nil: %v", err)
	}
	if outcome.Status != StatusTimeout {
		t.Fatalf("observe-only proposal should time out, got %s", outcome.Status)
	}
}
