// Package contracts holds the unified portfolio shapes shared across
// brokerages. Money amounts use decimal to avoid float drift when the
// dashboard sums positions.
package contracts

import "github.com/shopspring/decimal"

// Instrument is one holding, normalized across brokerages.
type Instrument struct {
	Brokerage         string          `json:"brokerage"`
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Currency          string          `json:"currency"`
	SharesOwned       decimal.Decimal `json:"shares_owned"`
	SharePrice        decimal.Decimal `json:"share_price"`
	InvestmentValue   decimal.Decimal `json:"investment_value"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	TotalReturn       decimal.Decimal `json:"total_return"`
	SimpleReturn      decimal.Decimal `json:"simple_return"`
	DividendsReceived decimal.Decimal `json:"dividends_received"`
}

// Profile is the owning user, normalized across brokerages.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Brokerage string `json:"brokerage"`
}

// Portfolio is the full data set for one brokerage account.
type Portfolio struct {
	Profile     Profile      `json:"profile"`
	Instruments []Instrument `json:"instruments"`
}
