package marketdata

import "encoding/json"

// Quote is the latest market data for one symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Volume        int64   `json:"volume"`
	Currency      string  `json:"currency,omitempty"`
	AsOf          string  `json:"asOf,omitempty"`
}

// Holding is one position in a portfolio.
type Holding struct {
	Symbol string  `json:"symbol"`
	Shares float64 `json:"shares"`
}

// PortfolioRequest is the body of an analysis call.
type PortfolioRequest struct {
	Holdings []Holding `json:"holdings"`
	Period   string    `json:"period"`
}

// HoldingAnalysis is the per-position part of a portfolio analysis.
type HoldingAnalysis struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
	Return float64 `json:"return"`
}

// PortfolioAnalysis is the upstream's aggregate view of a portfolio.
type PortfolioAnalysis struct {
	TotalValue float64           `json:"totalValue"`
	Return     float64           `json:"return"`
	Volatility float64           `json:"volatility"`
	Sharpe     float64           `json:"sharpeRatio"`
	Holdings   []HoldingAnalysis `json:"holdings"`

	// Raw keeps the full data object, including fields not modelled here.
	Raw json.RawMessage `json:"-"`
}
