package reputation

import (
	"time"

	"bountyline/internal/domain"
)

// Restore rebuilds pairs and records by folding the rating journal in order.
func (b *Bank) Restore(events []domain.RatingEvent) {
	b.mu.Lock()
	b.pairs = make(map[string]*pair)
	b.records = make(map[string]*record)
	b.mu.Unlock()
	b.pairwiseMu.Lock()
	b.pairwise = make(map[pairKey]pairStat)
	b.pairwiseMu.Unlock()

	for _, evt := range events {
		switch evt.Kind {
		case domain.RatingExpected:
			p, err := b.pairFor(evt.TaskID, evt.RateeID)
			if err != nil {
				continue
			}
			p.orchestratorID = evt.RaterID
			if deadline, err := time.Parse(time.RFC3339Nano, evt.Detail); err == nil {
				p.deadline = deadline
			}
		case domain.RatingSubmitted:
			p, err := b.pairFor(evt.TaskID, evt.RateeID)
			if err != nil {
				continue
			}
			p.record(evt.RaterID, evt.Score)
		case domain.RatingFinalized:
			p, err := b.pairFor(evt.TaskID, evt.RateeID)
			if err != nil {
				continue
			}
			res := Result{
				TaskID:            evt.TaskID,
				RateeID:           evt.RateeID,
				OrchestratorID:    p.orchestratorID,
				Outcome:           Outcome(evt.Detail),
				Average:           evt.Score,
				OrchestratorScore: p.orchestrator,
				WorkerScore:       p.worker,
			}
			if res.Outcome == OutcomeDisputed {
				res.Reason = domain.ReasonMissingRating
				if p.orchestrator != nil && p.worker != nil {
					res.Reason = domain.ReasonDiscordant
				}
			}
			b.applyFinalized(evt.RateeID, p.orchestratorID, res, evt.At)
			p.finalized = true
			p.result = res
		case domain.RatingPenalty:
			rec := b.recordFor(evt.RateeID, evt.At)
			rec.data.Average = clamp(rec.data.Average - evt.Score)
			rec.data.Tier = tierOf(rec.data)
		case domain.RatingDecay:
			rec := b.recordFor(evt.RateeID, evt.At)
			until, err := time.Parse(time.RFC3339Nano, evt.Detail)
			if err != nil {
				until = evt.At
			}
			applyDecay(&rec.data, evt.Score, until)
		}
	}
}
