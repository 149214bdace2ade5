package selection

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	"github.com/mosaicprotocol/coordinator/internal/core"
	"github.com/mosaicprotocol/coordinator/internal/events"
)

// AuctionEngine runs a first-price sealed-bid attention auction: every
// filtered candidate bids its listed price (optionally perturbed), and the
// bid is weighted against reputation with the same weights the selector
// uses. Highest bidScore wins the buyer's attention.
type AuctionEngine struct {
	sink events.Sink
	rng  core.RNG

	// MaxPerturbation bounds the random bid markup, e.g. 0.05 for up to +5%.
	// Zero keeps bids equal to the listed price.
	MaxPerturbation float64
}

// NewAuctionEngine creates an auction engine. sink and rng may not be nil.
func NewAuctionEngine(sink events.Sink, rng core.RNG) *AuctionEngine {
	return &AuctionEngine{sink: sink, rng: rng}
}

// Bid is one participant's sealed bid plus its computed score.
type Bid struct {
	Agent    *core.Agent `json:"-"`
	TokenID  uint64      `json:"token_id"`
	Name     string      `json:"name"`
	Amount   string      `json:"amount"` // decimal minor units
	BidScore float64     `json:"bid_score"`

	amount *big.Int
}

// AuctionResult records the full auction for the decision log.
type AuctionResult struct {
	AuctionID  string      `json:"auction_id"`
	Capability string      `json:"capability"`
	Winner     *core.Agent `json:"-"`
	Bids       []Bid       `json:"bids"` // rank order, winner first
}

// Run auctions the capability over the candidate set. Candidates go through
// the same filter as deterministic selection; the winner is still subject to
// the collusion check downstream.
func (ae *AuctionEngine) Run(taskID, capability string, candidates []*core.Agent, opts Options) (*AuctionResult, error) {
	opts = opts.withDefaults()

	participants, _, err := Filter(candidates, opts)
	if err != nil {
		return nil, err
	}

	auctionID := uuid.New().String()
	ae.sink.Emit(events.AuctionStart, taskID, map[string]interface{}{
		"auctionId":    auctionID,
		"capability":   capability,
		"participants": len(participants),
	})

	bids := make([]Bid, 0, len(participants))
	for _, p := range participants {
		amount := ae.bidAmount(p.Price)
		bids = append(bids, Bid{
			Agent:   p,
			TokenID: p.TokenID,
			Name:    p.Name,
			Amount:  amount.String(),
			amount:  amount,
		})
	}

	minBid := lowestPositiveBid(bids)
	for i := range bids {
		bids[i].BidScore = opts.WRep*float64(bids[i].Agent.Reputation) +
			opts.WPrice*bidPriceScore(minBid, bids[i].amount)
	}

	sort.SliceStable(bids, func(i, j int) bool {
		return rankLess(bids[i].BidScore, bids[i].Agent, bids[j].BidScore, bids[j].Agent)
	})

	for _, b := range bids {
		ae.sink.Emit(events.AuctionBid, taskID, map[string]interface{}{
			"auctionId": auctionID,
			"agent":     b.Name,
			"tokenId":   b.TokenID,
			"bid":       b.Amount,
			"bidScore":  b.BidScore,
		})
	}

	winner := bids[0]
	ae.sink.Emit(events.AuctionWinner, taskID, map[string]interface{}{
		"auctionId": auctionID,
		"agent":     winner.Name,
		"tokenId":   winner.TokenID,
		"bid":       winner.Amount,
		"bidScore":  winner.BidScore,
	})

	return &AuctionResult{
		AuctionID:  auctionID,
		Capability: capability,
		Winner:     winner.Agent,
		Bids:       bids,
	}, nil
}

// bidAmount perturbs the listed price upward by up to MaxPerturbation.
func (ae *AuctionEngine) bidAmount(price *big.Int) *big.Int {
	if price == nil {
		return new(big.Int)
	}
	if ae.MaxPerturbation <= 0 {
		return new(big.Int).Set(price)
	}
	factor := 1 + ae.rng.Float64()*ae.MaxPerturbation
	pf, _ := new(big.Float).SetInt(price).Float64()
	perturbed, _ := new(big.Float).SetFloat64(pf * factor).Int(nil)
	return perturbed
}

func lowestPositiveBid(bids []Bid) *big.Int {
	var lowest *big.Int
	for _, b := range bids {
		if b.amount == nil || b.amount.Sign() <= 0 {
			continue
		}
		if lowest == nil || b.amount.Cmp(lowest) < 0 {
			lowest = b.amount
		}
	}
	return lowest
}

func bidPriceScore(minBid, bid *big.Int) float64 {
	return priceScore(minBid, bid)
}

// String implements fmt.Stringer for auction results in logs.
func (ar *AuctionResult) String() string {
	return fmt.Sprintf("Auction[%s: %s won with %d bids]", ar.Capability, ar.Winner.Name, len(ar.Bids))
}
