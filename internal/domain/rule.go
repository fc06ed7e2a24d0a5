package domain

import "time"

// CustomRuleConfig defines a user-supplied CEL screening rule evaluated
// alongside the built-in Tier 1 rules. The expression sees the transaction
// under evaluation plus derived features and must return a bool (fired at
// severity 1.0 when true) or a double in [0,1] (fired when positive).
type CustomRuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Expression is the CEL source, e.g.
	// "is_csuite && pct_sold > 0.5 ? 0.9 : 0.0".
	Expression string `json:"expression"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
