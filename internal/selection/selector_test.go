package selection

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicprotocol/coordinator/internal/core"
)

func agent(tokenID uint64, name string, rep int, price int64) *core.Agent {
	return &core.Agent{
		TokenID:    tokenID,
		Name:       name,
		Capability: "research",
		Endpoint:   "http://" + name,
		Price:      big.NewInt(price),
		Reputation: rep,
		Owner:      common.BigToAddress(big.NewInt(int64(tokenID))),
		Active:     true,
	}
}

func TestSelectWeightedScoring(t *testing.T) {
	candidates := []*core.Agent{
		agent(1, "alpha", 95, 2000),
		agent(2, "beta", 90, 3000),
		agent(3, "gamma", 88, 1500),
	}

	sel, err := Select("research", candidates, Options{})
	require.NoError(t, err)

	// gamma: 0.6*88 + 0.4*100         = 92.8
	// alpha: 0.6*95 + 0.4*(100*1500/2000) = 57 + 30 = 87
	// beta:  0.6*90 + 0.4*(100*1500/3000) = 54 + 20 = 74
	assert.Equal(t, "gamma", sel.Selected.Name)
	require.Len(t, sel.Scores, 3)
	assert.InDelta(t, 92.8, sel.Scores[0].FinalScore, 0.001)
	assert.Equal(t, "alpha", sel.Scores[1].Name)
	assert.InDelta(t, 87.0, sel.Scores[1].FinalScore, 0.001)
	assert.Equal(t, "beta", sel.Scores[2].Name)
	assert.InDelta(t, 74.0, sel.Scores[2].FinalScore, 0.001)
	assert.Len(t, sel.Alternatives, 2)
}

func TestSelectDeterministic(t *testing.T) {
	candidates := []*core.Agent{
		agent(3, "c", 80, 1000),
		agent(1, "a", 80, 1000),
		agent(2, "b", 80, 1000),
	}

	first, err := Select("research", candidates, Options{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Select("research", candidates, Options{})
		require.NoError(t, err)
		require.Equal(t, first.Selected.TokenID, again.Selected.TokenID)
		for j := range first.Scores {
			assert.Equal(t, first.Scores[j], again.Scores[j])
		}
	}

	// Identical scores, rep, price: lexicographic tokenId wins.
	assert.Equal(t, uint64(1), first.Selected.TokenID)
}

func TestSelectTieBreakReputationThenPrice(t *testing.T) {
	// Craft equal final scores with differing reputation.
	// a: rep 100, price 2000 -> 0.6*100 + 0.4*50 = 80
	// b: rep 80, price 1000  -> 0.6*80 + 0.4*100 = 80
	candidates := []*core.Agent{
		agent(1, "a", 100, 2000),
		agent(2, "b", 80, 1000),
	}

	sel, err := Select("research", candidates, Options{})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Selected.Name, "higher reputation breaks the tie")
}

func TestSelectFreePriceScoresHundred(t *testing.T) {
	candidates := []*core.Agent{
		agent(1, "free", 70, 0),
		agent(2, "paid", 70, 1000),
	}

	sel, err := Select("research", candidates, Options{})
	require.NoError(t, err)
	assert.Equal(t, "free", sel.Scores[0].Name)
	assert.Equal(t, 100.0, sel.Scores[0].PriceScore)
	assert.Equal(t, 100.0, sel.Scores[1].PriceScore, "lowest positive price is its own baseline")
}

func TestSelectRelaxesFilters(t *testing.T) {
	candidates := []*core.Agent{
		agent(1, "lowrep", 10, 1000),
	}

	sel, err := Select("research", candidates, Options{MinReputation: 70})
	require.NoError(t, err)
	assert.True(t, sel.Relaxed)
	assert.Equal(t, "lowrep", sel.Selected.Name)
}

func TestSelectEmptyFails(t *testing.T) {
	_, err := Select("research", nil, Options{})
	assert.ErrorIs(t, err, ErrNoViableCandidate)
}

func TestSelectMaxPriceFilter(t *testing.T) {
	candidates := []*core.Agent{
		agent(1, "cheap", 75, 500),
		agent(2, "pricey", 99, 5000),
	}

	sel, err := Select("research", candidates, Options{MaxPrice: big.NewInt(1000)})
	require.NoError(t, err)
	assert.Equal(t, "cheap", sel.Selected.Name)
	assert.False(t, sel.Relaxed)
}

func TestSelectEndpointBonus(t *testing.T) {
	candidates := []*core.Agent{
		agent(1, "a", 80, 1000),
		agent(2, "b", 80, 1000),
	}

	sel, err := Select("research", candidates, Options{PreferredEndpoint: "http://b"})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Selected.Name)
}
