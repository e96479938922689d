package consensus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/provider/mock"
)

func obs(providerID string, index int, text string, latencyMs int64, cost float64) *Observation {
	return &Observation{
		ProviderID:   providerID,
		Response:     &provider.Response{Text: text, LatencyMs: latencyMs},
		LatencyMs:    latencyMs,
		CostEstimate: cost,
		Index:        index,
	}
}

func TestNormalizeGroupsEquivalentJSON(t *testing.T) {
	a := Normalize(`{"b": 2, "a": 1}`)
	b := Normalize(`{"a":1,"b":2}`)
	if a != b {
		t.Fatalf("JSON forms should normalize equal: %q vs %q", a, b)
	}
	if Normalize("  Hello   World ") != "hello world" {
		t.Fatalf("plain text normalization: %q", Normalize("  Hello   World "))
	}
}

func TestMajorityWithQuorum(t *testing.T) {
	observations := []*Observation{
		obs("p1", 0, "agree", 10, 0),
		obs("p2", 1, "agree", 20, 0),
		obs("p3", 2, "disagree", 15, 0),
	}
	res, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority, Quorum: 2})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "p1" {
		t.Fatalf("winner = %s, want p1", res.WinnerProvider)
	}
	if res.Winner.Response.Text != "agree" {
		t.Fatalf("winner text = %q", res.Winner.Response.Text)
	}
	if res.VotesFor != 2 || res.VotesAgainst != 1 {
		t.Fatalf("votes = %d for / %d against", res.VotesFor, res.VotesAgainst)
	}
	if res.Quorum != 2 || res.VotersTotal != 3 {
		t.Fatalf("quorum=%d voters=%d", res.Quorum, res.VotersTotal)
	}
	if res.Tally["agree"] != 2 || res.Tally["disagree"] != 1 {
		t.Fatalf("tally = %v", res.Tally)
	}
	if !strings.Contains(res.Reason, "strategy=majority") || !strings.Contains(res.Reason, "2/3") {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestQuorumNotReached(t *testing.T) {
	observations := []*Observation{
		obs("p1", 0, "a", 10, 0),
		obs("p2", 1, "b", 20, 0),
		obs("p3", 2, "c", 15, 0),
	}
	_, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority, Quorum: 2})
	if err == nil || !strings.Contains(err.Error(), "consensus quorum not reached") {
		t.Fatalf("err = %v", err)
	}
}

func TestDefaultQuorumIsUnanimity(t *testing.T) {
	observations := []*Observation{
		obs("p1", 0, "x", 10, 0),
		obs("p2", 1, "x", 20, 0),
	}
	res, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Quorum != 2 {
		t.Fatalf("default quorum = %d, want 2 (all valid observations)", res.Quorum)
	}

	observations = append(observations, obs("p3", 2, "y", 5, 0))
	if _, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority}); err == nil {
		t.Fatal("2/3 votes should miss the default quorum of 3")
	}
}

func TestTieBreakMinLatency(t *testing.T) {
	observations := []*Observation{
		obs("slow", 0, "alpha", 50, 0),
		obs("fast", 1, "beta", 10, 0),
	}
	res, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority, Quorum: 1, TieBreaker: TieMinLatency})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "fast" {
		t.Fatalf("winner = %s, want fast", res.WinnerProvider)
	}
	if !res.TieBreakApplied || res.TieBreakerSelected != TieMinLatency {
		t.Fatalf("tie-break: applied=%v selected=%s", res.TieBreakApplied, res.TieBreakerSelected)
	}
	if res.Rounds == 0 {
		t.Fatal("tie-break must consume a round")
	}
}

func TestTieBreakFallsBackToStableOrder(t *testing.T) {
	// Same latency and cost, so min_latency and min_cost cannot narrow.
	observations := []*Observation{
		obs("p1", 0, "bravo", 10, 0.01),
		obs("p2", 1, "alpha", 10, 0.01),
	}
	res, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority, Quorum: 1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// stable_order sorts by normalized text first.
	if res.WinnerProvider != "p2" {
		t.Fatalf("winner = %s, want p2 (text \"alpha\" sorts first)", res.WinnerProvider)
	}
	if res.TieBreakerSelected != TieStableOrder {
		t.Fatalf("selected = %s, want stable_order", res.TieBreakerSelected)
	}
}

func TestSchemaGateExcludesAndFails(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["answer"]}`)

	observations := []*Observation{
		obs("good", 0, `{"answer": 42}`, 10, 0),
		obs("bad", 1, "not json", 20, 0),
	}
	res, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority, Quorum: 1, Schema: schema})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "good" {
		t.Fatalf("winner = %s", res.WinnerProvider)
	}
	if !res.SchemaChecked || len(res.SchemaFailures) != 1 {
		t.Fatalf("schema: checked=%v failures=%v", res.SchemaChecked, res.SchemaFailures)
	}
	if res.Abstained != 1 {
		t.Fatalf("abstained = %d, want 1", res.Abstained)
	}

	allBad := []*Observation{
		obs("p1", 0, "nope", 10, 0),
		obs("p2", 1, `{"other": true}`, 20, 0),
	}
	_, err = Evaluate(context.Background(), allBad, Config{Strategy: StrategyMajority, Schema: schema})
	if err == nil || !strings.Contains(err.Error(), "all responses failed schema validation") {
		t.Fatalf("err = %v", err)
	}
}

func TestCostConstraintDropsAllCandidates(t *testing.T) {
	observations := []*Observation{
		obs("p1", 0, "a", 10, 0.50),
		obs("p2", 1, "a", 20, 0.75),
	}
	_, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority, MaxCostUSD: 0.01})
	if err == nil || !strings.Contains(err.Error(), "no responses satisfied consensus constraints") {
		t.Fatalf("err = %v", err)
	}
	// Per-entry detail rides in the message.
	if !strings.Contains(err.Error(), "p1") || !strings.Contains(err.Error(), "p2") {
		t.Fatalf("missing per-entry detail: %v", err)
	}
}

func TestMaxLatencyConstraint(t *testing.T) {
	observations := []*Observation{
		obs("fast", 0, "a", 10, 0),
		obs("slow", 1, "b", 500, 0),
	}
	res, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority, Quorum: 1, MaxLatencyMs: 100})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "fast" || res.Abstained != 1 {
		t.Fatalf("winner=%s abstained=%d", res.WinnerProvider, res.Abstained)
	}
}

func TestWeightedStrategyUsesScores(t *testing.T) {
	low := obs("low", 0, "first", 10, 0)
	low.Response.Raw = map[string]any{"score": 0.2}
	high := obs("high", 1, "second", 20, 0)
	high.Response.Raw = map[string]any{"score": 0.9}

	res, err := Evaluate(context.Background(), []*Observation{low, high}, Config{Strategy: StrategyWeighted, Quorum: 1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "high" {
		t.Fatalf("winner = %s, want high", res.WinnerProvider)
	}
	if res.WinnerScore != 0.9 {
		t.Fatalf("winner score = %v", res.WinnerScore)
	}
	if res.Scores == nil || res.Scores[Normalize("second")] != 0.9 {
		t.Fatalf("scores = %v", res.Scores)
	}
}

func TestMaxScoreKeepsNegativeScores(t *testing.T) {
	worse := obs("worse", 0, "first", 10, 0)
	worse.Response.Raw = map[string]any{"score": -0.9}
	better := obs("better", 1, "second", 20, 0)
	better.Response.Raw = map[string]any{"score": -0.2}

	res, err := Evaluate(context.Background(), []*Observation{worse, better}, Config{Strategy: StrategyMaxScore, Quorum: 1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "better" {
		t.Fatalf("winner = %s, want better", res.WinnerProvider)
	}
	if res.WinnerScore != -0.2 {
		t.Fatalf("winner score = %v, want -0.2", res.WinnerScore)
	}
	if res.Scores == nil || res.Scores[Normalize("first")] != -0.9 {
		t.Fatalf("scores = %v", res.Scores)
	}
}

func TestWeightedVoteStrategy(t *testing.T) {
	observations := []*Observation{
		obs("heavy", 0, "a", 10, 0),
		obs("light1", 1, "b", 10, 0),
		obs("light2", 2, "b", 10, 0),
	}
	cfg := Config{
		Strategy:        StrategyWeightedVote,
		Quorum:          1,
		ProviderWeights: map[string]float64{"heavy": 5.0},
	}
	res, err := Evaluate(context.Background(), observations, cfg)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "heavy" {
		t.Fatalf("winner = %s, want heavy (weight 5 beats 2 votes)", res.WinnerProvider)
	}
}

func TestJudgeSettlesTie(t *testing.T) {
	judge := mock.New("referee")
	judge.Text = "beta"
	judge.Raw = map[string]any{"score": 0.8}

	observations := []*Observation{
		obs("p1", 0, "alpha", 10, 0.01),
		obs("p2", 1, "beta", 10, 0.01),
	}
	cfg := Config{Strategy: StrategyMajority, Quorum: 1, TieBreaker: TieMinLatency, Judge: judge}
	res, err := Evaluate(context.Background(), observations, cfg)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.WinnerProvider != "p2" {
		t.Fatalf("winner = %s, want p2", res.WinnerProvider)
	}
	if res.JudgeName != "referee" {
		t.Fatalf("judge = %q", res.JudgeName)
	}
	if res.JudgeScore == nil || *res.JudgeScore != 0.8 {
		t.Fatalf("judge score = %v", res.JudgeScore)
	}
	if judge.Calls() != 1 {
		t.Fatalf("judge invoked %d times", judge.Calls())
	}
}

func TestCandidateSummaries(t *testing.T) {
	observations := []*Observation{
		obs("p1", 0, "same", 30, 0),
		obs("p2", 1, "same", 10, 0),
	}
	res, err := Evaluate(context.Background(), observations, Config{Strategy: StrategyMajority})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.CandidateSummaries) != 1 {
		t.Fatalf("summaries = %v", res.CandidateSummaries)
	}
	s := res.CandidateSummaries[0]
	if s.Votes != 2 || s.LatencyMs != 10 {
		t.Fatalf("summary = %+v (latency should be the candidate minimum)", s)
	}
	if len(s.TextHash) != 16 {
		t.Fatalf("text hash = %q", s.TextHash)
	}
}
