// Package domain defines the core value types and interfaces for Merlin.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// SEC Form 4 transaction codes. Only the sale code carries special
// meaning in the engine; all other codes pass through.
const (
	CodePurchase = "P"
	CodeSale     = "S"
	CodeAward    = "A"
	CodeExercise = "M"
)

// Validation errors returned before any rule executes.
var (
	ErrNegativeShares   = errors.New("shares must be non-negative")
	ErrNegativePrice    = errors.New("price per share must be non-negative")
	ErrNegativeHoldings = errors.New("shares owned after must be non-negative")
	ErrMissingTicker    = errors.New("ticker is required")
	ErrMissingInsider   = errors.New("insider name is required")
	ErrMissingDate      = errors.New("transaction date is required")
)

// InsiderTransaction is one disclosed insider trade, immutable once built.
// Optional fields are pointers: nil means the filing did not carry the value.
type InsiderTransaction struct {
	Ticker      string `json:"ticker"`
	InsiderName string `json:"insiderName"`

	// Role flags from the filing
	IsOfficer  bool `json:"isOfficer"`
	IsDirector bool `json:"isDirector"`
	IsCSuite   bool `json:"isCSuite"` // CEO/CFO equivalent

	TransactionDate time.Time `json:"transactionDate"`
	TransactionCode string    `json:"transactionCode"` // single character, 'S' = sale

	Shares           float64  `json:"shares"`
	PricePerShare    *float64 `json:"pricePerShare,omitempty"`
	TotalValue       *float64 `json:"totalValue,omitempty"`
	SharesOwnedAfter *float64 `json:"sharesOwnedAfter,omitempty"` // post-transaction holdings

	// IsPlanned marks a pre-scheduled 10b5-1 disposal plan trade.
	IsPlanned bool `json:"isPlanned"`

	FilingDate time.Time `json:"filingDate"`
}

// Validate checks the documented invariants. Rules must never receive a
// transaction that fails validation.
func (t *InsiderTransaction) Validate() error {
	if t.Ticker == "" {
		return ErrMissingTicker
	}
	if t.InsiderName == "" {
		return ErrMissingInsider
	}
	if t.TransactionDate.IsZero() {
		return ErrMissingDate
	}
	if t.Shares < 0 {
		return fmt.Errorf("%w: got %f", ErrNegativeShares, t.Shares)
	}
	if t.PricePerShare != nil && *t.PricePerShare < 0 {
		return fmt.Errorf("%w: got %f", ErrNegativePrice, *t.PricePerShare)
	}
	if t.SharesOwnedAfter != nil && *t.SharesOwnedAfter < 0 {
		return fmt.Errorf("%w: got %f", ErrNegativeHoldings, *t.SharesOwnedAfter)
	}
	return nil
}

// Size returns the transaction size used for volume statistics:
// shares x price when a price is present, shares alone otherwise.
func (t *InsiderTransaction) Size() float64 {
	if t.PricePerShare != nil {
		return t.Shares * *t.PricePerShare
	}
	return t.Shares
}

// IsSale reports whether the transaction is a disposal under the sale code.
func (t *InsiderTransaction) IsSale() bool {
	return t.TransactionCode == CodeSale
}

// PercentSold returns the fraction of pre-transaction holdings sold.
// The second return value is false when the percentage is not computable
// (non-sale code, unknown post-transaction holdings, or zero holdings).
func (t *InsiderTransaction) PercentSold() (float64, bool) {
	if !t.IsSale() || t.SharesOwnedAfter == nil {
		return 0, false
	}
	before := t.Shares + *t.SharesOwnedAfter
	if before <= 0 {
		return 0, false
	}
	return t.Shares / before, true
}

// SortTransactionsByDate orders transactions oldest-first, in place.
// Ties are broken by filing date so repeated evaluations stay deterministic.
func SortTransactionsByDate(txns []InsiderTransaction) {
	for i := 1; i < len(txns); i++ {
		for j := i; j > 0 && transactionBefore(&txns[j], &txns[j-1]); j-- {
			txns[j], txns[j-1] = txns[j-1], txns[j]
		}
	}
}

func transactionBefore(a, b *InsiderTransaction) bool {
	if !a.TransactionDate.Equal(b.TransactionDate) {
		return a.TransactionDate.Before(b.TransactionDate)
	}
	return a.FilingDate.Before(b.FilingDate)
}

// EvaluateInput is the full in-process call contract for one evaluation.
type EvaluateInput struct {
	// Transaction is the newest transaction under evaluation.
	Transaction InsiderTransaction `json:"transaction"`

	// History holds the insider's prior transactions, strictly before the
	// transaction under evaluation, oldest first.
	History []InsiderTransaction `json:"history,omitempty"`

	// Peers holds same-ticker transactions by other insiders inside the
	// cluster-selling lookback window.
	Peers []InsiderTransaction `json:"peers,omitempty"`
}

// Validate fails fast on any malformed record before rules run.
func (in *EvaluateInput) Validate() error {
	if err := in.Transaction.Validate(); err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	for i := range in.History {
		if err := in.History[i].Validate(); err != nil {
			return fmt.Errorf("history[%d]: %w", i, err)
		}
		if in.History[i].TransactionDate.After(in.Transaction.TransactionDate) {
			return fmt.Errorf("history[%d]: dated after the transaction under evaluation", i)
		}
	}
	for i := range in.Peers {
		if err := in.Peers[i].Validate(); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
	}
	return nil
}
