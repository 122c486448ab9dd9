package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avery/foreman/internal/agents"
	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/modelexec"
)

// scriptedExecutor returns canned outputs in call order; an empty
// output string means that call fails.
type scriptedExecutor struct {
	mu      sync.Mutex
	outputs []string
	calls   atomic.Int64
	block   chan struct{} // when set, executions wait for ctx
}

func (s *scriptedExecutor) Execute(ctx context.Context, _, _ string) (*modelexec.Result, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	var out string
	if len(s.outputs) > 0 {
		out = s.outputs[0]
		s.outputs = s.outputs[1:]
	}
	s.mu.Unlock()
	if out == "" {
		return nil, errors.New("model unreachable")
	}
	return &modelexec.Result{Output: out, InputTokens: 10, OutputTokens: 5}, nil
}

type memCostStore struct {
	mu     sync.Mutex
	models map[string]*ledger.ModelCatalogEntry
	rows   []ledger.ExecutionCost
}

func newMemCostStore() *memCostStore {
	return &memCostStore{models: map[string]*ledger.ModelCatalogEntry{
		"m1": {
			ID: "m1", Name: "test-model", CostPerInputToken: 0.001,
			CostPerOutputToken: 0.002, ContextLimit: 100000,
			Tier: ledger.TierStandard, Active: true,
		},
	}}
}

func (s *memCostStore) ModelByID(_ context.Context, id string) (*ledger.ModelCatalogEntry, error) {
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %s not found", id)
	}
	return m, nil
}

func (s *memCostStore) InsertCost(_ context.Context, c *ledger.ExecutionCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *c)
	return nil
}

func (s *memCostStore) CostsByAgent(_ context.Context, _ string) ([]ledger.ExecutionCost, error) {
	return nil, nil
}
func (s *memCostStore) CostsByTask(_ context.Context, _ string) ([]ledger.ExecutionCost, error) {
	return nil, nil
}
func (s *memCostStore) CostsByModel(_ context.Context, _ string) ([]ledger.ExecutionCost, error) {
	return nil, nil
}

func testConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		DefaultExecutions:   3,
		SimilarityThreshold: 0.5,
		ExecutionTimeout:    5 * time.Second,
		MaxParallelPerAgent: 4,
	}
}

func testAgent() *agents.Agent {
	return &agents.Agent{ID: "a1", Name: "worker", Status: agents.StatusActive, ModelID: "m1"}
}

func request(shape OutputShape, count int) Request {
	return Request{
		Agent: testAgent(), TaskID: "t1", Prompt: "do the thing",
		ModelID: "m1", ModelName: "test-model",
		Shape: shape, ExecutionCount: count,
	}
}

func TestSingleExecutionShortCircuits(t *testing.T) {
	store := newMemCostStore()
	eng := New(&scriptedExecutor{outputs: []string{"the one answer"}},
		ledger.New(store, nil), testConfig())

	res, err := eng.Resolve(context.Background(), request(ShapeText, 1))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Decision != "the one answer" {
		t.Errorf("decision = %q, want verbatim output", res.Decision)
	}
	if res.Quality != NeutralQuality {
		t.Errorf("quality = %v, want neutral %v", res.Quality, NeutralQuality)
	}
	if res.NeedsReview {
		t.Error("single execution should not need review")
	}
	if len(store.rows) != 1 || store.rows[0].Kind != ledger.KindTaskCompletion {
		t.Errorf("single run should log one task_completion row, got %+v", store.rows)
	}
}

func TestDiscreteMajority(t *testing.T) {
	store := newMemCostStore()
	eng := New(&scriptedExecutor{outputs: []string{"A", "B", "A"}},
		ledger.New(store, nil), testConfig())

	res, err := eng.Resolve(context.Background(), request(ShapeDiscrete, 3))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != "A" {
		t.Errorf("decision = %q, want majority A", res.Decision)
	}
	if res.Quality != 100*2.0/3.0 {
		t.Errorf("quality = %v, want 2/3 share", res.Quality)
	}
}

func TestDiscreteTieLowestRound(t *testing.T) {
	// Two votes each; B's earliest round (1) beats A's (2).
	runs := []Execution{
		{Round: 1, Output: "B"},
		{Round: 2, Output: "A"},
		{Round: 3, Output: "A"},
		{Round: 4, Output: "B"},
	}
	decision, quality := reduceDiscrete(runs)
	if decision != "B" {
		t.Errorf("tie decision = %q, want B (earliest round)", decision)
	}
	if quality != 50 {
		t.Errorf("tie quality = %v, want 50", quality)
	}
}

func TestCentralMemberTieLowestRound(t *testing.T) {
	// All pairwise similarities equal; round 1 wins the tie.
	cluster := []Execution{
		{Round: 2, Output: "alpha beta"},
		{Round: 1, Output: "alpha gamma"},
		{Round: 3, Output: "alpha delta"},
	}
	if got := centralMember(cluster); got != "alpha gamma" {
		t.Errorf("central member = %q, want the lowest-round member", got)
	}
}

func TestClusterTieGoesToEarliestRound(t *testing.T) {
	// Two clusters of equal size; the winner is the one holding the
	// lowest round.
	runs := []Execution{
		{Round: 1, Output: "red orange yellow"},
		{Round: 2, Output: "green blue indigo"},
		{Round: 3, Output: "red orange amber"},
		{Round: 4, Output: "green blue violet"},
	}
	decision, _, needsReview := reduceText(runs, 0.4)
	if decision != "red orange yellow" && decision != "red orange amber" {
		t.Errorf("decision = %q, want a member of the first cluster", decision)
	}
	if needsReview {
		t.Error("two proper clusters flagged for review")
	}
}

func TestTextClusteringThreeOfFiveWithFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallelPerAgent = 1
	store := newMemCostStore()

	// Three similar outputs cluster together; two calls fail.
	eng := New(&scriptedExecutor{outputs: []string{
		"add an index on the orders table",
		"",
		"add a covering index on the orders table",
		"add an index on orders table now",
		"",
	}}, ledger.New(store, nil), cfg)

	res, err := eng.Resolve(context.Background(), request(ShapeText, 5))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if res.SuccessCount != 3 {
		t.Errorf("success count = %d, want 3", res.SuccessCount)
	}
	if res.Decision == "" {
		t.Error("no decision from winning cluster")
	}
	if res.Quality < 50 {
		t.Errorf("cohesive 3-of-3-success cluster should score high, got %v", res.Quality)
	}
	if res.NeedsReview {
		t.Error("clustered outcome flagged for review")
	}

	// Both failures are in the ledger with zero tokens, zero cost,
	// and the failure flag.
	failed := 0
	for _, row := range store.rows {
		if row.Failed {
			failed++
			if row.TotalCost != 0 || row.InputTokens != 0 || row.OutputTokens != 0 {
				t.Errorf("failed row carries cost: %+v", row)
			}
		}
	}
	if failed != 2 {
		t.Errorf("failed ledger rows = %d, want 2", failed)
	}
	if len(store.rows) != 5 {
		t.Errorf("ledger rows = %d, want one per execution", len(store.rows))
	}

	// Rounds 1..5 all present.
	seen := map[int]bool{}
	for _, row := range store.rows {
		seen[row.ConsensusRound] = true
	}
	for round := 1; round <= 5; round++ {
		if !seen[round] {
			t.Errorf("round %d missing from ledger", round)
		}
	}
}

func TestAllSingletonsNeedReview(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallelPerAgent = 1
	eng := New(&scriptedExecutor{outputs: []string{
		"alpha bravo", "charlie delta", "echo foxtrot",
	}}, ledger.New(newMemCostStore(), nil), cfg)

	res, err := eng.Resolve(context.Background(), request(ShapeText, 3))
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsReview {
		t.Error("fragmented outcome not flagged for review")
	}
	if res.Quality > 100.0/3.0+1e-9 {
		t.Errorf("fragmented quality = %v, want low", res.Quality)
	}
}

func TestAllFailuresExecutionUnavailable(t *testing.T) {
	store := newMemCostStore()
	eng := New(&scriptedExecutor{outputs: []string{"", "", ""}},
		ledger.New(store, nil), testConfig())

	_, err := eng.Resolve(context.Background(), request(ShapeText, 3))
	if !errors.Is(err, ErrExecutionUnavailable) {
		t.Fatalf("error = %v, want ErrExecutionUnavailable", err)
	}
	if len(store.rows) != 3 {
		t.Errorf("ledger rows = %d, want all failures logged", len(store.rows))
	}
}

func TestExecutionTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTimeout = 20 * time.Millisecond
	cfg.MaxParallelPerAgent = 2

	block := make(chan struct{})
	defer close(block)
	eng := New(&scriptedExecutor{block: block}, ledger.New(newMemCostStore(), nil), cfg)

	_, err := eng.Resolve(context.Background(), request(ShapeText, 2))
	if !errors.Is(err, ErrExecutionUnavailable) {
		t.Fatalf("hung executions should fail the round, got %v", err)
	}
}

func TestAgentConfigOverridesExecutionCount(t *testing.T) {
	store := newMemCostStore()
	exec := &scriptedExecutor{outputs: []string{"x", "x", "x", "x", "x"}}
	eng := New(exec, ledger.New(store, nil), testConfig())

	req := request(ShapeDiscrete, 0)
	req.Agent.Config.ExecutionsPerTask = 5

	res, err := eng.Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Executions) != 5 {
		t.Errorf("executions = %d, want agent override 5", len(res.Executions))
	}
	if exec.calls.Load() != 5 {
		t.Errorf("executor calls = %d, want 5", exec.calls.Load())
	}
}

func TestCancellationPropagates(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTimeout = 10 * time.Second

	block := make(chan struct{})
	defer close(block)
	eng := New(&scriptedExecutor{block: block}, ledger.New(newMemCostStore(), nil), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.Resolve(ctx, request(ShapeText, 3))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrExecutionUnavailable) {
			t.Errorf("cancelled round error = %v, want ErrExecutionUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve did not return after cancellation")
	}
}
