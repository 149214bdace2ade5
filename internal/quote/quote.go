// Package quote prices a task before execution and gates execution on
// verified payment. A quote plans the task without running it, snapshots the
// selected agent per capability, adds the fee stack, and is signed and
// time-limited. Each quote executes at most once.
package quote

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// State is a quote's lifecycle position. Pending quotes may execute or
// expire; both outcomes are terminal.
type State string

const (
	StatePending  State = "pending"
	StateExecuted State = "executed"
	StateExpired  State = "expired"
)

// DefaultTTL is how long a quote stays payable.
const DefaultTTL = 300 * time.Second

// Task length bounds enforced at quote time.
const (
	MinTaskLen = 10
	MaxTaskLen = 2000
)

// LineItem is one planned capability with the agent snapshot priced in.
type LineItem struct {
	Capability string `json:"capability"`
	AgentName  string `json:"agentName"`
	TokenID    uint64 `json:"tokenId"`
	Price      string `json:"price"` // decimal minor units
}

// Quote is a signed, time-limited price for a task. All monetary fields are
// decimal strings of USDC minor units on the wire; the struct keeps big.Int.
type Quote struct {
	ID   string `json:"quoteId"`
	Task string `json:"task"`

	Items []LineItem `json:"items"`

	Subtotal       *big.Int `json:"-"`
	CoordinatorFee *big.Int `json:"-"`
	Buffer         *big.Int `json:"-"`
	PlatformFee    *big.Int `json:"-"`
	Total          *big.Int `json:"-"`

	State     State  `json:"state"`
	CreatedAt int64  `json:"createdAt"` // Unix ms
	ExpiresAt int64  `json:"expiresAt"` // Unix ms
	Signature string `json:"signature"`
	TxHash    string `json:"txHash,omitempty"` // consuming payment, once executed
}

// Wire returns the JSON-facing view with the big.Int fields rendered as
// decimal strings.
func (q *Quote) Wire() map[string]interface{} {
	return map[string]interface{}{
		"quoteId":        q.ID,
		"task":           q.Task,
		"items":          q.Items,
		"subtotal":       q.Subtotal.String(),
		"coordinatorFee": q.CoordinatorFee.String(),
		"buffer":         q.Buffer.String(),
		"platformFee":    q.PlatformFee.String(),
		"total":          q.Total.String(),
		"state":          string(q.State),
		"createdAt":      q.CreatedAt,
		"expiresAt":      q.ExpiresAt,
		"signature":      q.Signature,
	}
}

// signingPayload is the byte string the HMAC covers. Field order is part of
// the contract.
func signingPayload(id, task string, total *big.Int, expiresAt int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d", id, task, total.String(), expiresAt))
}

// Sign computes the hex HMAC-SHA256 signature for the quote.
func Sign(key []byte, q *Quote) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(signingPayload(q.ID, q.Task, q.Total, q.ExpiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the quote's signature against the key.
func VerifySignature(key []byte, q *Quote) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(signingPayload(q.ID, q.Task, q.Total, q.ExpiresAt))
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(q.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// applyBps returns amount * bps / 10000.
func applyBps(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Div(out, big.NewInt(10_000))
}
