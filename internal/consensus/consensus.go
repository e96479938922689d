// Package consensus selects one winning response from a set of parallel
// provider responses. Candidates are grouped by normalized text, scored by
// the configured strategy, narrowed by tie-breakers and an optional judge
// provider, and finally held to a quorum.
package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/provider"
)

// Strategies.
const (
	StrategyMajority     = "majority"
	StrategyWeighted     = "weighted"
	StrategyMaxScore     = "max_score"
	StrategyWeightedVote = "weighted_vote"
)

// Tie-breakers.
const (
	TieMinLatency  = "min_latency"
	TieMinCost     = "min_cost"
	TieStableOrder = "stable_order"
)

// DefaultMaxRounds bounds tie-break iterations. The fallback chain is three
// deep and stable_order always narrows to one, so three rounds suffice.
const DefaultMaxRounds = 3

const floatEps = 1e-9

// Config drives one evaluation.
type Config struct {
	Strategy        string
	Quorum          int    // 0 means "all valid observations"
	TieBreaker      string // empty means the fallback chain
	MaxRounds       int    // 0 means DefaultMaxRounds
	Schema          json.RawMessage
	Judge           provider.Provider
	ProviderWeights map[string]float64
	MaxLatencyMs    int64
	MaxCostUSD      float64 // 0 means unconstrained
}

// Observation is one successful provider response entering the evaluation.
type Observation struct {
	ProviderID   string
	Response     *provider.Response
	LatencyMs    int64
	TokensIn     int
	TokensOut    int
	CostEstimate float64
	Index        int // position in the input provider list
}

// Result describes the evaluation outcome.
type Result struct {
	Winner             *Observation
	WinnerProvider     string
	WinnerScore        float64
	WinnerLatencyMs    int64
	Votes              int
	Tally              map[string]int
	Scores             map[string]float64
	Quorum             int
	MinVotes           int
	VotersTotal        int
	VotesFor           int
	VotesAgainst       int
	Abstained          int
	TieBreaker         string
	TieBreakApplied    bool
	TieBreakReason     string
	TieBreakerSelected string
	Rounds             int
	SchemaChecked      bool
	SchemaFailures     map[string]string
	JudgeName          string
	JudgeScore         *float64
	Reason             string
	CandidateSummaries []events.CandidateSummary
}

// Error is a consensus failure with per-observation detail.
type Error struct {
	Message string
	Details []string
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

type candidate struct {
	key         string
	votes       int
	score       float64
	bestScore   float64
	scored      bool
	weight      float64
	latency     int64
	cost        float64
	stableIndex int
	first       *Observation
}

// Normalize reduces a response text to its comparison key. JSON payloads are
// re-encoded with sorted keys and minimal separators so semantically equal
// documents group together; plain text is lowercased with collapsed
// whitespace.
func Normalize(text string) string {
	trimmed := strings.TrimSpace(text)
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			return string(canon)
		}
	}
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func textHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// Evaluate runs the full pipeline: schema gate, constraint gate, candidate
// grouping, strategy pivot, tie-break, judge, quorum.
func Evaluate(ctx context.Context, observations []*Observation, cfg Config) (*Result, error) {
	res := &Result{
		VotersTotal:    len(observations),
		Tally:          map[string]int{},
		SchemaFailures: map[string]string{},
	}
	if len(observations) == 0 {
		return nil, &Error{Message: "no responses satisfied consensus constraints"}
	}

	valid := observations
	var err error
	if valid, err = res.applySchemaGate(valid, cfg); err != nil {
		return nil, err
	}
	if valid, err = res.applyConstraintGate(valid, cfg); err != nil {
		return nil, err
	}
	res.Abstained = len(observations) - len(valid)

	cands := group(valid, cfg.ProviderWeights)
	for _, c := range cands {
		res.Tally[c.key] = c.votes
		res.CandidateSummaries = append(res.CandidateSummaries, events.CandidateSummary{
			Provider:  c.first.ProviderID,
			LatencyMs: c.latency,
			Votes:     c.votes,
			TextHash:  textHash(c.key),
		})
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyMajority
	}
	if strategy == StrategyWeighted || strategy == StrategyMaxScore {
		res.Scores = map[string]float64{}
		for _, c := range cands {
			if strategy == StrategyWeighted {
				res.Scores[c.key] = c.score
			} else {
				res.Scores[c.key] = c.bestScore
			}
		}
	}

	pool, err := pivot(cands, strategy)
	if err != nil {
		return nil, err
	}

	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if pool, err = res.breakTies(pool, cfg, maxRounds); err != nil {
		return nil, err
	}
	if len(pool) > 1 {
		if pool, err = res.consultJudge(ctx, pool, cfg); err != nil {
			return nil, err
		}
	}
	if len(pool) != 1 {
		return nil, &Error{Message: "consensus tie-break rounds exhausted"}
	}
	winner := pool[0]

	quorum := cfg.Quorum
	if quorum <= 0 {
		quorum = len(valid)
	}
	res.Quorum = quorum
	res.MinVotes = quorum
	res.VotesFor = winner.votes
	res.VotesAgainst = len(valid) - winner.votes
	if winner.votes < quorum {
		return nil, &Error{
			Message: "consensus quorum not reached",
			Details: []string{fmt.Sprintf("winner %s has %d/%d votes, quorum %d", winner.first.ProviderID, winner.votes, len(valid), quorum)},
		}
	}

	res.Winner = winner.first
	res.WinnerProvider = winner.first.ProviderID
	res.WinnerLatencyMs = winner.first.LatencyMs
	res.Votes = winner.votes
	switch strategy {
	case StrategyWeighted:
		res.WinnerScore = winner.score
	case StrategyMaxScore:
		res.WinnerScore = winner.bestScore
	case StrategyWeightedVote:
		res.WinnerScore = winner.weight
	default:
		res.WinnerScore = float64(winner.votes)
	}

	reason := fmt.Sprintf("strategy=%s winner=%s votes=%d/%d quorum=%d", strategy, res.WinnerProvider, winner.votes, len(valid), quorum)
	if res.TieBreakApplied {
		reason += " tie_breaker=" + res.TieBreakerSelected
	}
	if res.JudgeName != "" {
		reason += " judge=" + res.JudgeName
	}
	res.Reason = reason
	return res, nil
}

func (r *Result) applySchemaGate(obs []*Observation, cfg Config) ([]*Observation, error) {
	if len(cfg.Schema) == 0 {
		return obs, nil
	}
	r.SchemaChecked = true
	schema, err := ParseSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	var passed []*Observation
	for _, o := range obs {
		if err := schema.Validate(o.Response.Text); err != nil {
			r.SchemaFailures[strconv.Itoa(o.Index)] = err.Error()
			continue
		}
		passed = append(passed, o)
	}
	if len(passed) == 0 {
		var details []string
		for _, o := range obs {
			details = append(details, fmt.Sprintf("%s: %s", o.ProviderID, r.SchemaFailures[strconv.Itoa(o.Index)]))
		}
		return nil, &Error{Message: "all responses failed schema validation", Details: details}
	}
	return passed, nil
}

func (r *Result) applyConstraintGate(obs []*Observation, cfg Config) ([]*Observation, error) {
	if cfg.MaxLatencyMs <= 0 && cfg.MaxCostUSD <= 0 {
		return obs, nil
	}
	var kept []*Observation
	var dropped []string
	for _, o := range obs {
		if cfg.MaxLatencyMs > 0 && o.LatencyMs > cfg.MaxLatencyMs {
			dropped = append(dropped, fmt.Sprintf("%s: latency %dms > %dms", o.ProviderID, o.LatencyMs, cfg.MaxLatencyMs))
			continue
		}
		if cfg.MaxCostUSD > 0 && o.CostEstimate > cfg.MaxCostUSD {
			dropped = append(dropped, fmt.Sprintf("%s: cost $%.6f > $%.6f", o.ProviderID, o.CostEstimate, cfg.MaxCostUSD))
			continue
		}
		kept = append(kept, o)
	}
	if len(kept) == 0 {
		return nil, &Error{Message: "no responses satisfied consensus constraints", Details: dropped}
	}
	return kept, nil
}

func group(obs []*Observation, weights map[string]float64) []*candidate {
	byKey := map[string]*candidate{}
	var order []*candidate
	for _, o := range obs {
		key := Normalize(o.Response.Text)
		c, ok := byKey[key]
		if !ok {
			c = &candidate{key: key, latency: o.LatencyMs, cost: o.CostEstimate, stableIndex: o.Index, first: o}
			byKey[key] = c
			order = append(order, c)
		}
		c.votes++
		if score, ok := o.Response.Score(); ok {
			c.score += score
			if !c.scored || score > c.bestScore {
				c.bestScore = score
			}
			c.scored = true
		}
		w := 1.0
		if weights != nil {
			if pw, ok := weights[o.ProviderID]; ok {
				w = pw
			}
		}
		c.weight += w
		if o.LatencyMs < c.latency {
			c.latency = o.LatencyMs
		}
		if o.CostEstimate < c.cost {
			c.cost = o.CostEstimate
		}
		if o.Index < c.stableIndex {
			c.stableIndex = o.Index
			c.first = o
		}
	}
	return order
}

func pivot(cands []*candidate, strategy string) ([]*candidate, error) {
	var metric func(*candidate) float64
	switch strategy {
	case StrategyMajority:
		metric = func(c *candidate) float64 { return float64(c.votes) }
	case StrategyWeighted:
		metric = func(c *candidate) float64 { return c.score }
	case StrategyMaxScore:
		metric = func(c *candidate) float64 { return c.bestScore }
	case StrategyWeightedVote:
		metric = func(c *candidate) float64 { return c.weight }
	default:
		return nil, fmt.Errorf("unknown consensus strategy %q", strategy)
	}
	best := math.Inf(-1)
	for _, c := range cands {
		if m := metric(c); m > best {
			best = m
		}
	}
	var pool []*candidate
	for _, c := range cands {
		if math.Abs(metric(c)-best) <= floatEps {
			pool = append(pool, c)
		}
	}
	return pool, nil
}

func (r *Result) breakTies(pool []*candidate, cfg Config, maxRounds int) ([]*candidate, error) {
	if len(pool) <= 1 {
		return pool, nil
	}
	chain := []string{TieMinLatency, TieMinCost, TieStableOrder}
	if cfg.TieBreaker != "" {
		r.TieBreaker = cfg.TieBreaker
		chain = append([]string{cfg.TieBreaker}, chain...)
	}
	seen := map[string]bool{}
	for _, tb := range chain {
		if len(pool) <= 1 {
			break
		}
		if seen[tb] {
			continue
		}
		seen[tb] = true
		if r.Rounds >= maxRounds {
			return nil, &Error{Message: "consensus tie-break rounds exhausted"}
		}
		narrowed := applyTieBreak(pool, tb)
		r.Rounds++
		if len(narrowed) < len(pool) {
			r.TieBreakApplied = true
			r.TieBreakerSelected = tb
			r.TieBreakReason = fmt.Sprintf("%s narrowed %d candidates to %d", tb, len(pool), len(narrowed))
		}
		pool = narrowed
		// With a judge configured, leave remaining ties for it to settle.
		if cfg.Judge != nil && cfg.TieBreaker != "" {
			break
		}
	}
	return pool, nil
}

func applyTieBreak(pool []*candidate, tb string) []*candidate {
	switch tb {
	case TieMinLatency:
		min := pool[0].latency
		for _, c := range pool[1:] {
			if c.latency < min {
				min = c.latency
			}
		}
		var kept []*candidate
		for _, c := range pool {
			if c.latency == min {
				kept = append(kept, c)
			}
		}
		return kept
	case TieMinCost:
		min := pool[0].cost
		for _, c := range pool[1:] {
			if c.cost < min {
				min = c.cost
			}
		}
		var kept []*candidate
		for _, c := range pool {
			if c.cost == min {
				kept = append(kept, c)
			}
		}
		return kept
	case TieStableOrder:
		sorted := make([]*candidate, len(pool))
		copy(sorted, pool)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].key != sorted[j].key {
				return sorted[i].key < sorted[j].key
			}
			return sorted[i].stableIndex < sorted[j].stableIndex
		})
		return sorted[:1]
	default:
		return pool
	}
}

// consultJudge asks the judge provider to choose between the remaining
// candidates and picks the candidate whose normalized text the judge's
// answer matches (exactly, else by containment).
func (r *Result) consultJudge(ctx context.Context, pool []*candidate, cfg Config) ([]*candidate, error) {
	if cfg.Judge == nil {
		return pool, nil
	}
	r.JudgeName = cfg.Judge.Name()
	r.Rounds++

	var b strings.Builder
	b.WriteString("Pick the best answer. Reply with the text of the winning answer only.\n")
	for i, c := range pool {
		fmt.Fprintf(&b, "Answer %d: %s\n", i+1, c.first.Response.Text)
	}
	resp, err := cfg.Judge.Invoke(ctx, &provider.Request{Model: "judge", Prompt: b.String()})
	if err != nil {
		return nil, fmt.Errorf("consensus judge %s failed: %w", r.JudgeName, err)
	}
	if score, ok := resp.Score(); ok {
		r.JudgeScore = &score
	}

	verdict := Normalize(resp.Text)
	for _, c := range pool {
		if c.key == verdict {
			return []*candidate{c}, nil
		}
	}
	for _, c := range pool {
		if strings.Contains(verdict, c.key) {
			return []*candidate{c}, nil
		}
	}
	return nil, &Error{Message: "consensus judge selected no candidate"}
}
