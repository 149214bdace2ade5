// Package collusion guards the hire pipeline against self-dealing: same-owner
// hires, price gouging against the capability's going rate, rapid repeat
// hiring of the same agent, and closed loops in the hire graph.
package collusion

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mosaicprotocol/coordinator/internal/core"
)

// AlertType classifies why a hire was rejected.
type AlertType string

const (
	AlertSameOwner    AlertType = "same_owner"
	AlertPriceGouging AlertType = "price_gouging"
	AlertRapidRepeat  AlertType = "rapid_repeat"
	AlertGraphCluster AlertType = "graph_cluster"
)

// Alert describes a blocked hire.
type Alert struct {
	Type     AlertType `json:"type"`
	Severity string    `json:"severity"` // low, medium, high
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// ProspectiveHire is the hire under consideration.
type ProspectiveHire struct {
	HirerTokenID uint64
	HireeTokenID uint64
	HirerOwner   common.Address
	HireeOwner   common.Address
	Price        *big.Int
	Capability   string
}

// HireRecord is one accepted hire in the sliding window.
type HireRecord struct {
	HirerTokenID uint64         `json:"hirer_token_id"`
	HireeTokenID uint64         `json:"hiree_token_id"`
	HirerOwner   common.Address `json:"hirer_owner"`
	HireeOwner   common.Address `json:"hiree_owner"`
	Price        *big.Int       `json:"-"`
	Capability   string         `json:"capability"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Config tunes the detector thresholds.
type Config struct {
	PriceMultiple   float64       // reject price > N * median; default 3
	MedianWindowMin int           // minimum records before gouging applies; default 5
	RepeatThreshold int           // same directed edge count; default 3
	RepeatWindow    time.Duration // window for rapid_repeat; default 600s
	CycleBound      int           // max cycle length searched; default 4
	Capacity        int           // ring buffer size; default 512
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PriceMultiple:   3,
		MedianWindowMin: 5,
		RepeatThreshold: 3,
		RepeatWindow:    600 * time.Second,
		CycleBound:      4,
		Capacity:        512,
	}
}

// Detector holds the bounded hire history. Check is pure; Admit is
// check-then-record.
type Detector struct {
	mu    sync.Mutex
	cfg   Config
	clock core.Clock

	// Fixed-capacity ring: ring[head] is the oldest record once full.
	ring  []HireRecord
	head  int
	count int
}

// NewDetector creates a detector. Zero-value config fields take defaults.
func NewDetector(cfg Config, clock core.Clock) *Detector {
	def := DefaultConfig()
	if cfg.PriceMultiple <= 0 {
		cfg.PriceMultiple = def.PriceMultiple
	}
	if cfg.MedianWindowMin <= 0 {
		cfg.MedianWindowMin = def.MedianWindowMin
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = def.RepeatThreshold
	}
	if cfg.RepeatWindow <= 0 {
		cfg.RepeatWindow = def.RepeatWindow
	}
	if cfg.CycleBound <= 0 {
		cfg.CycleBound = def.CycleBound
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Detector{
		cfg:   cfg,
		clock: clock,
		ring:  make([]HireRecord, cfg.Capacity),
	}
}

// Check evaluates a prospective hire against the current history. Pure:
// same input and history always yield the same alert, and nothing is
// recorded.
func (d *Detector) Check(h ProspectiveHire) *Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked(h)
}

// Admit checks the hire and, if admissible, appends it to the history with
// the current timestamp. Returns the alert on rejection, nil on acceptance.
func (d *Detector) Admit(h ProspectiveHire) *Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	if alert := d.checkLocked(h); alert != nil {
		return alert
	}
	d.appendLocked(HireRecord{
		HirerTokenID: h.HirerTokenID,
		HireeTokenID: h.HireeTokenID,
		HirerOwner:   h.HirerOwner,
		HireeOwner:   h.HireeOwner,
		Price:        h.Price,
		Capability:   h.Capability,
		Timestamp:    d.clock.Now(),
	})
	return nil
}

// Window returns a copy of the current history, oldest first. Diagnostics.
func (d *Detector) Window() []HireRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]HireRecord, 0, d.count)
	for i := 0; i < d.count; i++ {
		out = append(out, d.ring[(d.head+i)%len(d.ring)])
	}
	return out
}

func (d *Detector) checkLocked(h ProspectiveHire) *Alert {
	now := d.clock.Now()

	if h.HirerOwner == h.HireeOwner {
		return &Alert{
			Type:     AlertSameOwner,
			Severity: "high",
			Message:  fmt.Sprintf("hirer %d and hiree %d share owner %s", h.HirerTokenID, h.HireeTokenID, h.HirerOwner.Hex()),
			At:       now,
		}
	}

	if alert := d.checkGougingLocked(h, now); alert != nil {
		return alert
	}

	if n := d.edgeCountLocked(h.HirerTokenID, h.HireeTokenID, now); n >= d.cfg.RepeatThreshold {
		return &Alert{
			Type:     AlertRapidRepeat,
			Severity: "medium",
			Message:  fmt.Sprintf("edge %d->%d hired %d times in window", h.HirerTokenID, h.HireeTokenID, n),
			At:       now,
		}
	}

	if d.closesCycleLocked(h.HirerTokenID, h.HireeTokenID) {
		return &Alert{
			Type:     AlertGraphCluster,
			Severity: "high",
			Message:  fmt.Sprintf("edge %d->%d closes a hire cycle (length <= %d)", h.HirerTokenID, h.HireeTokenID, d.cfg.CycleBound),
			At:       now,
		}
	}

	return nil
}

func (d *Detector) checkGougingLocked(h ProspectiveHire, now time.Time) *Alert {
	if h.Price == nil || h.Price.Sign() <= 0 {
		return nil
	}

	var prices []*big.Int
	for i := 0; i < d.count; i++ {
		rec := d.ring[(d.head+i)%len(d.ring)]
		if rec.Capability == h.Capability && rec.Price != nil {
			prices = append(prices, rec.Price)
		}
	}
	if len(prices) < d.cfg.MedianWindowMin {
		return nil
	}

	med := median(prices)
	// price > N * median, computed in integers: price * 1 > median * N.
	// PriceMultiple may be fractional, so scale by 1000.
	limit := new(big.Int).Mul(med, big.NewInt(int64(d.cfg.PriceMultiple*1000)))
	scaled := new(big.Int).Mul(h.Price, big.NewInt(1000))
	if scaled.Cmp(limit) > 0 {
		return &Alert{
			Type:     AlertPriceGouging,
			Severity: "medium",
			Message:  fmt.Sprintf("price %s exceeds %.1fx median %s for %s", h.Price, d.cfg.PriceMultiple, med, h.Capability),
			At:       now,
		}
	}
	return nil
}

func (d *Detector) edgeCountLocked(hirer, hiree uint64, now time.Time) int {
	cutoff := now.Add(-d.cfg.RepeatWindow)
	n := 0
	for i := 0; i < d.count; i++ {
		rec := d.ring[(d.head+i)%len(d.ring)]
		if rec.HirerTokenID == hirer && rec.HireeTokenID == hiree && rec.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// closesCycleLocked reports whether adding hirer->hiree creates a directed
// cycle of length <= CycleBound. Bounded-depth DFS from hiree back toward
// hirer over the recorded edges; never a full graph traversal.
func (d *Detector) closesCycleLocked(hirer, hiree uint64) bool {
	if hirer == hiree {
		return true
	}

	adj := make(map[uint64][]uint64)
	for i := 0; i < d.count; i++ {
		rec := d.ring[(d.head+i)%len(d.ring)]
		adj[rec.HirerTokenID] = append(adj[rec.HirerTokenID], rec.HireeTokenID)
	}

	// Path hiree -> ... -> hirer of length <= CycleBound-1 closes the cycle.
	var dfs func(node uint64, depth int) bool
	dfs = func(node uint64, depth int) bool {
		if node == hirer {
			return true
		}
		if depth >= d.cfg.CycleBound-1 {
			return false
		}
		for _, next := range adj[node] {
			if dfs(next, depth+1) {
				return true
			}
		}
		return false
	}
	return dfs(hiree, 0)
}

func (d *Detector) appendLocked(rec HireRecord) {
	if d.count < len(d.ring) {
		d.ring[(d.head+d.count)%len(d.ring)] = rec
		d.count++
		return
	}
	// Full: overwrite oldest.
	d.ring[d.head] = rec
	d.head = (d.head + 1) % len(d.ring)
}

func median(prices []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	n := len(sorted)
	if n%2 == 1 {
		return new(big.Int).Set(sorted[n/2])
	}
	sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
	return sum.Div(sum, big.NewInt(2))
}
