package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/opensource-finance/merlin/internal/domain"
)

func newCustomEngine(t *testing.T) *CustomEngine {
	t.Helper()
	engine, err := NewCustomEngine()
	if err != nil {
		t.Fatalf("NewCustomEngine failed: %v", err)
	}
	return engine
}

func csuiteSaleInput() *domain.EvaluateInput {
	after := 40000.0
	tx := saleOn("Doe Jane", 30, 60000)
	tx.IsCSuite = true
	tx.SharesOwnedAfter = &after

	return &domain.EvaluateInput{
		Transaction: tx,
		History: []domain.InsiderTransaction{
			saleOn("Doe Jane", 0, 1000),
		},
	}
}

func TestCustomEngine(t *testing.T) {
	t.Run("BoolExpression", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		err := engine.LoadRule(&domain.CustomRuleConfig{
			ID:         "csuite-dump",
			Name:       "C-suite dump",
			Expression: "is_csuite && pct_sold > 0.5",
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("LoadRule failed: %v", err)
		}

		signals := engine.EvaluateAll(context.Background(), csuiteSaleInput())
		if len(signals) != 1 {
			t.Fatalf("expected 1 signal, got %d", len(signals))
		}

		sig := signals[0]
		if sig.Rule != domain.RuleName(domain.CustomRulePrefix+"csuite-dump") {
			t.Errorf("unexpected rule name %s", sig.Rule)
		}
		if !sig.Fired {
			t.Error("expected rule to fire")
		}
		if sig.Severity != 1.0 {
			t.Errorf("expected severity 1.0 for a true bool, got %f", sig.Severity)
		}
	})

	t.Run("NumericSeverity", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		err := engine.LoadRule(&domain.CustomRuleConfig{
			ID:         "graded",
			Name:       "Graded disposal",
			Expression: "pct_sold > 0.3 ? 0.75 : 0.0",
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("LoadRule failed: %v", err)
		}

		signals := engine.EvaluateAll(context.Background(), csuiteSaleInput())
		if len(signals) != 1 {
			t.Fatalf("expected 1 signal, got %d", len(signals))
		}
		if !signals[0].Fired {
			t.Error("expected rule to fire")
		}
		if signals[0].Severity != 0.75 {
			t.Errorf("expected severity 0.75, got %f", signals[0].Severity)
		}
	})

	t.Run("NotMatched", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		engine.LoadRule(&domain.CustomRuleConfig{
			ID:         "never",
			Name:       "Never fires",
			Expression: "shares > 1000000.0",
			Enabled:    true,
		})

		signals := engine.EvaluateAll(context.Background(), csuiteSaleInput())
		if signals[0].Fired {
			t.Error("expected rule not to fire")
		}
		if signals[0].Severity != 0 {
			t.Errorf("expected zero severity, got %f", signals[0].Severity)
		}
	})

	t.Run("InvalidExpressionRejected", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		err := engine.ValidateRule(&domain.CustomRuleConfig{
			ID:         "broken",
			Expression: "shares >",
		})
		if err == nil {
			t.Error("expected compile error for malformed expression")
		}
	})

	t.Run("WrongOutputTypeRejected", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		err := engine.ValidateRule(&domain.CustomRuleConfig{
			ID:         "stringy",
			Expression: "ticker",
		})
		if err == nil || !strings.Contains(err.Error(), "must return") {
			t.Errorf("expected output-type error, got %v", err)
		}
	})

	t.Run("UnknownVariableRejected", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		err := engine.ValidateRule(&domain.CustomRuleConfig{
			ID:         "unknown-var",
			Expression: "volume > 100.0",
		})
		if err == nil {
			t.Error("expected undeclared variable to be rejected")
		}
	})

	t.Run("DisabledRulesSkipped", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		err := engine.LoadRules([]*domain.CustomRuleConfig{
			{ID: "on", Expression: "is_planned", Enabled: true},
			{ID: "off", Expression: "is_csuite", Enabled: false},
		})
		if err != nil {
			t.Fatalf("LoadRules failed: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 loaded rule, got %d", engine.RulesCount())
		}
	})

	t.Run("ReloadReplacesAll", func(t *testing.T) {
		engine := newCustomEngine(t)
		defer engine.Close()

		engine.LoadRule(&domain.CustomRuleConfig{ID: "a", Expression: "is_csuite", Enabled: true})
		engine.LoadRule(&domain.CustomRuleConfig{ID: "b", Expression: "is_planned", Enabled: true})

		err := engine.ReloadRules([]*domain.CustomRuleConfig{
			{ID: "c", Expression: "is_officer", Enabled: true},
		})
		if err != nil {
			t.Fatalf("ReloadRules failed: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 rule after reload, got %d", engine.RulesCount())
		}

		loaded := engine.LoadedRules()
		if len(loaded) != 1 || loaded[0].ID != "c" {
			t.Errorf("expected only rule c to survive reload, got %+v", loaded)
		}
	})
}

func TestEngineIncludesCustomSignals(t *testing.T) {
	custom := newCustomEngine(t)
	defer custom.Close()

	err := custom.LoadRule(&domain.CustomRuleConfig{
		ID:         "csuite-dump",
		Name:       "C-suite dump",
		Expression: "is_csuite && pct_sold > 0.5",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("LoadRule failed: %v", err)
	}

	engine, err := NewEngine(domain.DefaultScoringConfig(), custom)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	signals := engine.EvaluateAll(context.Background(), csuiteSaleInput())
	if len(signals) != 5 {
		t.Fatalf("expected 4 built-in plus 1 custom signal, got %d", len(signals))
	}

	var found bool
	for _, sig := range signals {
		if sig.Rule == domain.RuleName(domain.CustomRulePrefix+"csuite-dump") {
			found = true
			if !sig.Fired {
				t.Error("expected custom signal to fire")
			}
		}
	}
	if !found {
		t.Error("custom signal missing from engine output")
	}
}
