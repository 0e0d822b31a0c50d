// Package types contains common types used across the application
package types

import (
	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// Summary is what the uploader sees once a batch reaches a terminal status.
type Summary struct {
	BatchID        uuid.UUID         `json:"batch_id"`
	Kind           model.Kind        `json:"kind"`
	Status         model.BatchStatus `json:"status"`
	TotalRows      int               `json:"total_rows"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	Errors         []model.RowError  `json:"errors"`
	Rows           []model.Placement `json:"-"`
	TotalRevenue   decimal.Decimal   `json:"total_revenue"`
	TotalIncentive decimal.Decimal   `json:"total_incentive"`
}

// Currencies of the batch amounts.
const (
	RevenueCurrency   = money.USD
	IncentiveCurrency = money.INR
)

// FormatAmount renders a decimal amount in the given ISO currency, e.g. "$1,200.00".
func FormatAmount(amount decimal.Decimal, code string) string {
	minor := amount.Shift(2).Round(0).IntPart()
	return money.New(minor, code).Display()
}

// RevenueDisplay is the formatted staged revenue of the batch.
func (s *Summary) RevenueDisplay() string {
	return FormatAmount(s.TotalRevenue, RevenueCurrency)
}

// IncentiveDisplay is the formatted staged incentive of the batch.
func (s *Summary) IncentiveDisplay() string {
	return FormatAmount(s.TotalIncentive, IncentiveCurrency)
}
