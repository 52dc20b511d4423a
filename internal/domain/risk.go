package domain

// TradingMode selects paper or live execution.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// RiskLimits is loaded once at startup and never mutated.
type RiskLimits struct {
	// MaxPositionNotional caps |quantity| x price per instrument after a trade.
	MaxPositionNotional float64
	// RiskPerTrade is the fraction of current capital a single trade may lose.
	RiskPerTrade float64
	// DefaultStopFraction is the worst-case adverse move, as a fraction of
	// price, assumed for intents without a stop price. Zero means
	// RiskPerTrade is used as the worst-case fraction.
	DefaultStopFraction float64
	Mode                TradingMode
}

// RiskAction is the outcome class of a risk decision.
type RiskAction string

const (
	RiskApprove RiskAction = "approve"
	RiskReduce  RiskAction = "reduce"
	RiskReject  RiskAction = "reject"
)

// RiskReason explains a reduce or reject decision.
type RiskReason string

const (
	ReasonNone          RiskReason = ""
	ReasonMaxPosition   RiskReason = "max_position"
	ReasonRiskExhausted RiskReason = "risk_exhausted"
	ReasonInvalidIntent RiskReason = "invalid_intent"
	ReasonNoPrice       RiskReason = "no_price"
	ReasonRiskCapped    RiskReason = "risk_capped"
)

// RiskDecision is returned by the risk gate.
type RiskDecision struct {
	Action   RiskAction
	Quantity float64
	Reason   RiskReason
}

// Approved reports whether any quantity may be submitted.
func (d RiskDecision) Approved() bool {
	return d.Action == RiskApprove || d.Action == RiskReduce
}
