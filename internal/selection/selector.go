// Package selection picks a worker agent from a candidate set, either by
// deterministic weighted scoring (Selector) or by a first-price sealed-bid
// attention auction (AuctionEngine).
package selection

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/mosaicprotocol/coordinator/internal/core"
)

// ErrNoViableCandidate means filtering (even after relaxation) left nothing.
var ErrNoViableCandidate = errors.New("no viable candidate after filtering")

// Options tune the selector. Zero values take the documented defaults.
type Options struct {
	MinReputation     int      // default 70
	MaxPrice          *big.Int // nil = unbounded
	PreferredEndpoint string   // exact match earns the endpoint bonus
	WRep              float64  // default 0.6
	WPrice            float64  // default 0.4
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.MinReputation == 0 {
		o.MinReputation = 70
	}
	if o.WRep == 0 && o.WPrice == 0 {
		o.WRep, o.WPrice = 0.6, 0.4
	}
	return o
}

// endpointBonus is added to finalScore when the candidate endpoint matches
// the preferred endpoint exactly.
const endpointBonus = 5.0

// CandidateScore is the per-candidate scoring breakdown, kept for the
// decision record.
type CandidateScore struct {
	TokenID         uint64  `json:"token_id"`
	Name            string  `json:"name"`
	Reputation      int     `json:"reputation"`
	Price           string  `json:"price"` // decimal minor units
	ReputationScore float64 `json:"reputation_score"`
	PriceScore      float64 `json:"price_score"`
	FinalScore      float64 `json:"final_score"`
}

// Selection is the decision record: the chosen agent, every candidate's
// scores in rank order, and the runner-up list.
type Selection struct {
	Capability   string           `json:"capability"`
	Selected     *core.Agent      `json:"selected"`
	Scores       []CandidateScore `json:"scores"`
	Alternatives []*core.Agent    `json:"alternatives"`
	Reasoning    string           `json:"reasoning"`
	Relaxed      bool             `json:"relaxed"` // filters were dropped to find a candidate
}

// Filter applies the reputation/price constraints, relaxing to the full
// active set when nothing passes. Exported because the auction engine
// auctions over the same filtered pool.
func Filter(candidates []*core.Agent, opts Options) ([]*core.Agent, bool, error) {
	opts = opts.withDefaults()

	passes := func(c *core.Agent) bool {
		if c.Reputation < opts.MinReputation {
			return false
		}
		if opts.MaxPrice != nil && c.Price != nil && c.Price.Cmp(opts.MaxPrice) > 0 {
			return false
		}
		return true
	}

	filtered := make([]*core.Agent, 0, len(candidates))
	for _, c := range candidates {
		if passes(c) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) > 0 {
		return filtered, false, nil
	}
	if len(candidates) > 0 {
		// Relax to all active candidates rather than failing outright.
		return candidates, true, nil
	}
	return nil, false, ErrNoViableCandidate
}

// Select scores the candidate set and returns a deterministic decision:
// identical input always produces identical rankings.
func Select(capability string, candidates []*core.Agent, opts Options) (*Selection, error) {
	opts = opts.withDefaults()

	filtered, relaxed, err := Filter(candidates, opts)
	if err != nil {
		return nil, err
	}

	lowest := lowestPositivePrice(filtered)

	type scored struct {
		agent *core.Agent
		score CandidateScore
	}
	ranked := make([]scored, 0, len(filtered))
	for _, c := range filtered {
		repScore := float64(c.Reputation)
		priceScore := priceScore(lowest, c.Price)
		final := opts.WRep*repScore + opts.WPrice*priceScore
		if opts.PreferredEndpoint != "" && c.Endpoint == opts.PreferredEndpoint {
			final += endpointBonus
		}
		ranked = append(ranked, scored{
			agent: c,
			score: CandidateScore{
				TokenID:         c.TokenID,
				Name:            c.Name,
				Reputation:      c.Reputation,
				Price:           c.PriceString(),
				ReputationScore: repScore,
				PriceScore:      priceScore,
				FinalScore:      final,
			},
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return rankLess(ranked[i].score.FinalScore, ranked[i].agent, ranked[j].score.FinalScore, ranked[j].agent)
	})

	scores := make([]CandidateScore, len(ranked))
	alts := make([]*core.Agent, 0, len(ranked)-1)
	for i, r := range ranked {
		scores[i] = r.score
		if i > 0 {
			alts = append(alts, r.agent)
		}
	}

	winner := ranked[0]
	return &Selection{
		Capability:   capability,
		Selected:     winner.agent,
		Scores:       scores,
		Alternatives: alts,
		Reasoning: fmt.Sprintf("selected %s (score %.2f: rep %.0f, price %.2f) from %d candidates",
			winner.agent.Name, winner.score.FinalScore, winner.score.ReputationScore, winner.score.PriceScore, len(ranked)),
		Relaxed: relaxed,
	}, nil
}

// lowestPositivePrice returns the minimum positive price, or nil when every
// candidate is free.
func lowestPositivePrice(candidates []*core.Agent) *big.Int {
	var lowest *big.Int
	for _, c := range candidates {
		if c.Price == nil || c.Price.Sign() <= 0 {
			continue
		}
		if lowest == nil || c.Price.Cmp(lowest) < 0 {
			lowest = c.Price
		}
	}
	return lowest
}

// priceScore is 100 for free agents (or when no paid baseline exists),
// otherwise 100*lowest/price clamped to [0,100].
func priceScore(lowest, price *big.Int) float64 {
	if lowest == nil || price == nil || price.Sign() <= 0 {
		return 100
	}
	lf, _ := new(big.Float).SetInt(lowest).Float64()
	pf, _ := new(big.Float).SetInt(price).Float64()
	s := 100 * lf / pf
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// rankLess orders candidates best-first. Float scores tie more often than
// one would expect, so the tie-break chain is explicit: higher reputation,
// then lower price, then lexicographic tokenId.
func rankLess(scoreA float64, a *core.Agent, scoreB float64, b *core.Agent) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if a.Reputation != b.Reputation {
		return a.Reputation > b.Reputation
	}
	if cmp := comparePrices(a.Price, b.Price); cmp != 0 {
		return cmp < 0
	}
	return strconv.FormatUint(a.TokenID, 10) < strconv.FormatUint(b.TokenID, 10)
}

func comparePrices(a, b *big.Int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Cmp(b)
	}
}
