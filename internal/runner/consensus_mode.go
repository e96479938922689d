package runner

import (
	"github.com/modelmux/modelmux/internal/consensus"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/provider"
)

// runConsensus fans out to every provider, tolerating per-provider failure,
// and feeds the successful observations to the consensus evaluator.
func (r *Runner) runConsensus(rc *runContext) (*Result, error) {
	invs := r.fanOutAll(rc, false, true)

	var observations []*consensus.Observation
	var failures []AttemptFailure
	for i, inv := range invs {
		if inv.Err != nil {
			failures = append(failures, AttemptFailure{Provider: inv.ProviderID, Attempt: inv.Attempt, Err: inv.Err})
			continue
		}
		observations = append(observations, &consensus.Observation{
			ProviderID:   inv.ProviderID,
			Response:     inv.Response,
			LatencyMs:    inv.Response.LatencyMs,
			TokensIn:     inv.Response.Usage.Prompt,
			TokensOut:    inv.Response.Usage.Completion,
			CostEstimate: provider.EstimateCost(inv.Provider, inv.Response.Usage.Prompt, inv.Response.Usage.Completion),
			Index:        i,
		})
	}
	if len(observations) == 0 {
		r.emitShadows(invs, -1, nil)
		return nil, &ParallelExecutionError{Failures: failures}
	}

	var cfg consensus.Config
	if r.cfg.Consensus != nil {
		cfg = *r.cfg.Consensus
	}
	res, err := consensus.Evaluate(rc.ctx, observations, cfg)
	if err != nil {
		r.emitShadows(invs, -1, nil)
		return nil, err
	}

	events.Emit(r.logger, &events.ConsensusVote{
		Base:               events.Base{RequestFingerprint: rc.fingerprint},
		Strategy:           nonEmpty(cfg.Strategy, consensus.StrategyMajority),
		TieBreaker:         res.TieBreaker,
		Quorum:             res.Quorum,
		MinVotes:           res.MinVotes,
		VotersTotal:        res.VotersTotal,
		VotesFor:           res.VotesFor,
		VotesAgainst:       res.VotesAgainst,
		Abstained:          res.Abstained,
		ChosenProvider:     res.WinnerProvider,
		WinnerProvider:     res.WinnerProvider,
		WinnerScore:        res.WinnerScore,
		WinnerLatencyMs:    res.WinnerLatencyMs,
		TieBreakApplied:    res.TieBreakApplied,
		TieBreakReason:     res.TieBreakReason,
		TieBreakerSelected: res.TieBreakerSelected,
		Rounds:             res.Rounds,
		Scores:             res.Scores,
		SchemaChecked:      res.SchemaChecked,
		SchemaFailures:     res.SchemaFailures,
		Judge:              res.JudgeName,
		JudgeScore:         res.JudgeScore,
		Votes:              res.Tally,
		CandidateSummaries: res.CandidateSummaries,
	})

	winnerInv := invs[res.Winner.Index]
	if err := r.guard(rc, winnerInv); err != nil {
		r.logRunMetric(rc, winnerInv, "guard_violation")
		r.emitShadows(invs, -1, nil)
		return nil, &AllFailedError{
			Message:    "run aborted: " + err.Error(),
			StopReason: "guard_violation",
			Cause:      err,
		}
	}

	r.emitShadows(invs, res.Winner.Index, res)
	return &Result{Response: winnerInv.Response, Provider: res.WinnerProvider, Consensus: res}, nil
}

// emitShadows flushes captured shadow metrics. The winner's record (when
// winnerIndex >= 0) is enriched with shadow_consensus_delta: the vote gap
// between the winning answer and the shadow's answer.
func (r *Runner) emitShadows(invs []*Invocation, winnerIndex int, res *consensus.Result) {
	for i, inv := range invs {
		if inv == nil || inv.Shadow == nil {
			continue
		}
		if i == winnerIndex && res != nil && inv.Shadow.ShadowOK {
			delta := float64(res.Votes - res.Tally[consensus.Normalize(inv.Shadow.ShadowText)])
			inv.Shadow.ShadowConsensusDelta = &delta
		}
		events.Emit(r.logger, inv.Shadow)
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
