package rules

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/merlin/internal/domain"
)

// CustomEngine evaluates user-supplied CEL screening rules alongside the
// built-in statistical rules. Expressions see the transaction under
// evaluation plus derived features and return a bool or a numeric severity.
type CustomEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledRule
}

type compiledRule struct {
	config  *domain.CustomRuleConfig
	program cel.Program
}

// NewCustomEngine creates an engine with the transaction feature variables
// declared.
func NewCustomEngine() (*CustomEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("ticker", cel.StringType),
		cel.Variable("insider", cel.StringType),
		cel.Variable("tx_code", cel.StringType),
		cel.Variable("shares", cel.DoubleType),
		cel.Variable("price", cel.DoubleType),
		cel.Variable("size", cel.DoubleType),
		cel.Variable("pct_sold", cel.DoubleType),
		cel.Variable("days_since_last", cel.DoubleType),
		cel.Variable("history_size", cel.IntType),
		cel.Variable("is_csuite", cel.BoolType),
		cel.Variable("is_officer", cel.BoolType),
		cel.Variable("is_director", cel.BoolType),
		cel.Variable("is_planned", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CustomEngine{
		env:      env,
		compiled: make(map[string]*compiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *CustomEngine) ValidateRule(cfg *domain.CustomRuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *CustomEngine) LoadRule(cfg *domain.CustomRuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiled[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *CustomEngine) LoadRules(configs []*domain.CustomRuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones. Enables
// hot-reloading from the repository.
func (e *CustomEngine) ReloadRules(configs []*domain.CustomRuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.compiled = next
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *CustomEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedRules returns the currently loaded rule configurations.
func (e *CustomEngine) LoadedRules() []*domain.CustomRuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.CustomRuleConfig, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c.config)
	}
	return rules
}

// EvaluateAll evaluates every loaded rule against the input.
func (e *CustomEngine) EvaluateAll(ctx context.Context, input *domain.EvaluateInput) []domain.AnomalySignal {
	e.mu.RLock()
	loaded := make([]*compiledRule, 0, len(e.compiled))
	for _, r := range e.compiled {
		loaded = append(loaded, r)
	}
	e.mu.RUnlock()

	if len(loaded) == 0 {
		return nil
	}

	activation := buildActivation(input)

	signals := make([]domain.AnomalySignal, 0, len(loaded))
	for _, rule := range loaded {
		signals = append(signals, evaluateCustomRule(rule, activation))
	}
	return signals
}

// Close cleans up the engine.
func (e *CustomEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*compiledRule)
	return nil
}

func (e *CustomEngine) compileRule(cfg *domain.CustomRuleConfig) (*compiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{config: cfg, program: program}, nil
}

func buildActivation(input *domain.EvaluateInput) map[string]any {
	tx := &input.Transaction

	price := 0.0
	if tx.PricePerShare != nil {
		price = *tx.PricePerShare
	}

	pctSold, _ := tx.PercentSold()

	daysSinceLast := 0.0
	if n := len(input.History); n > 0 {
		last := input.History[n-1]
		daysSinceLast = tx.TransactionDate.Sub(last.TransactionDate).Hours() / 24
	}

	return map[string]any{
		"ticker":          tx.Ticker,
		"insider":         tx.InsiderName,
		"tx_code":         tx.TransactionCode,
		"shares":          tx.Shares,
		"price":           price,
		"size":            tx.Size(),
		"pct_sold":        pctSold,
		"days_since_last": daysSinceLast,
		"history_size":    int64(len(input.History)),
		"is_csuite":       tx.IsCSuite,
		"is_officer":      tx.IsOfficer,
		"is_director":     tx.IsDirector,
		"is_planned":      tx.IsPlanned,
	}
}

func evaluateCustomRule(rule *compiledRule, activation map[string]any) domain.AnomalySignal {
	sig := domain.AnomalySignal{
		Rule: domain.RuleName(domain.CustomRulePrefix + rule.config.ID),
	}

	out, _, err := rule.program.Eval(activation)
	if err != nil {
		sig.Description = fmt.Sprintf("evaluation error: %v", err)
		return sig
	}

	severity := toSeverity(out)
	sig.Value = severity

	if severity > 0 {
		sig.Fired = true
		sig.Severity = math.Min(1.0, severity)
		sig.Description = rule.config.Name
	} else {
		sig.Description = fmt.Sprintf("%s did not match", rule.config.Name)
	}

	return sig
}

// toSeverity converts a CEL value to a numeric severity.
func toSeverity(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return math.Max(0.0, float64(v))
	case types.Int:
		return math.Max(0.0, float64(v))
	default:
		return 0.0
	}
}
