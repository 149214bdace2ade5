// Package capability defines the closed capability tag set and the synonym
// normalizer that maps free-form planner/agent vocabulary onto it.
package capability

import "strings"

// Canonical capability tags. The set is closed; anything the normalizer
// cannot map is lowercased and underscored but will not match discovery
// unless an agent registered that exact tag.
const (
	Orchestration         = "orchestration"
	Research              = "research"
	MarketData            = "market_data"
	Analysis              = "analysis"
	Writing               = "writing"
	Summarization         = "summarization"
	TokenSafetyAnalysis   = "token_safety_analysis"
	OnchainAnalysis       = "onchain_analysis"
	DexAggregation        = "dex_aggregation"
	PortfolioAnalysis     = "portfolio_analysis"
	YieldOptimization     = "yield_optimization"
	CrossChainBridging    = "cross_chain_bridging"
	LiquidationProtection = "liquidation_protection"
	DAOGovernance         = "dao_governance"
	OnChainMonitoring     = "on_chain_monitoring"
	AutonomousExecution   = "autonomous_execution"
)

// canonical is the closed set, defined at boot.
var canonical = map[string]bool{
	Orchestration:         true,
	Research:              true,
	MarketData:            true,
	Analysis:              true,
	Writing:               true,
	Summarization:         true,
	TokenSafetyAnalysis:   true,
	OnchainAnalysis:       true,
	DexAggregation:        true,
	PortfolioAnalysis:     true,
	YieldOptimization:     true,
	CrossChainBridging:    true,
	LiquidationProtection: true,
	DAOGovernance:         true,
	OnChainMonitoring:     true,
	AutonomousExecution:   true,
}

// synonyms maps common planner and agent vocabulary onto canonical tags.
// Deterministic: a plain map lookup after cleanup.
var synonyms = map[string]string{
	"marketdata":       MarketData,
	"prices":           MarketData,
	"price":            MarketData,
	"tvl":              MarketData,
	"market":           MarketData,
	"data":             MarketData,
	"web_search":       Research,
	"search":           Research,
	"investigate":      Research,
	"write":            Writing,
	"writer":           Writing,
	"copywriting":      Writing,
	"report":           Writing,
	"summarize":        Summarization,
	"summary":          Summarization,
	"analyze":          Analysis,
	"analytics":        Analysis,
	"analyst":          Analysis,
	"token_safety":     TokenSafetyAnalysis,
	"honeypot":         TokenSafetyAnalysis,
	"rug_check":        TokenSafetyAnalysis,
	"safety":           TokenSafetyAnalysis,
	"onchain":          OnchainAnalysis,
	"on_chain":         OnchainAnalysis,
	"chain_analysis":   OnchainAnalysis,
	"dex":              DexAggregation,
	"swap":             DexAggregation,
	"aggregator":       DexAggregation,
	"portfolio":        PortfolioAnalysis,
	"yield":            YieldOptimization,
	"farming":          YieldOptimization,
	"apy":              YieldOptimization,
	"bridge":           CrossChainBridging,
	"bridging":         CrossChainBridging,
	"cross_chain":      CrossChainBridging,
	"liquidation":      LiquidationProtection,
	"health_factor":    LiquidationProtection,
	"governance":       DAOGovernance,
	"dao":              DAOGovernance,
	"voting":           DAOGovernance,
	"monitoring":       OnChainMonitoring,
	"monitor":          OnChainMonitoring,
	"alerts":           OnChainMonitoring,
	"execution":        AutonomousExecution,
	"execute":          AutonomousExecution,
	"trading":          AutonomousExecution,
	"coordinator":      Orchestration,
	"orchestrator":     Orchestration,
	"task_management":  Orchestration,
	"oracle_analysis":  OnchainAnalysis,
	"defi_safety":      TokenSafetyAnalysis,
	"contract_audit":   TokenSafetyAnalysis,
	"whale_tracking":   OnChainMonitoring,
	"sentiment":        Analysis,
	"risk_assessment":  Analysis,
	"financial_report": Writing,
}

// Normalize maps an arbitrary capability string to its canonical tag.
// Idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")

	if canonical[s] {
		return s
	}
	if mapped, ok := synonyms[s]; ok {
		return mapped
	}
	return s
}

// IsCanonical reports whether tag is a member of the closed set.
func IsCanonical(tag string) bool {
	return canonical[tag]
}

// All returns the closed canonical set in a stable order.
func All() []string {
	return []string{
		Orchestration, Research, MarketData, Analysis, Writing, Summarization,
		TokenSafetyAnalysis, OnchainAnalysis, DexAggregation, PortfolioAnalysis,
		YieldOptimization, CrossChainBridging, LiquidationProtection,
		DAOGovernance, OnChainMonitoring, AutonomousExecution,
	}
}
