// Package worker provides asynchronous evaluation of ingested transactions.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/engine"
)

// historyLookback bounds how far back the worker reaches when building an
// insider's history for evaluation.
const historyLookback = 2 * 365 * 24 * time.Hour

// Worker consumes ingested transactions from the EventBus, materializes
// their evaluation context from the repository and runs them through the
// pipeline.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	evaluator *engine.Evaluator
	window    time.Duration

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency caps how many transactions a batch evaluates in parallel.
	Concurrency int

	// ClusterWindow is the peer lookback used when building inputs.
	ClusterWindow time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, evaluator *engine.Evaluator, clusterWindow time.Duration) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	if clusterWindow <= 0 {
		clusterWindow = 14 * 24 * time.Hour
	}
	return &Worker{
		bus:       bus,
		repo:      repo,
		evaluator: evaluator,
		window:    clusterWindow,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var tx domain.InsiderTransaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		slog.Error("failed to parse ingested transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	return w.ProcessTransaction(ctx, &tx)
}

// ProcessTransaction evaluates one transaction through the pipeline,
// persists the result and publishes completion/detection events.
func (w *Worker) ProcessTransaction(ctx context.Context, tx *domain.InsiderTransaction) error {
	start := time.Now()

	input, err := w.buildInput(ctx, tx)
	if err != nil {
		slog.Error("failed to build evaluation input",
			"ticker", tx.Ticker,
			"insider", tx.InsiderName,
			"error", err,
		)
		return err
	}

	eval, err := w.evaluator.Evaluate(ctx, input)
	if err != nil {
		slog.Error("evaluation failed",
			"ticker", tx.Ticker,
			"insider", tx.InsiderName,
			"error", err,
		)
		return err
	}

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, eval); err != nil {
			slog.Error("failed to save evaluation", "id", eval.ID, "error", err)
		}
		for i := range eval.Anomalies {
			if err := w.repo.SaveAnomaly(ctx, &eval.Anomalies[i]); err != nil {
				slog.Error("failed to save anomaly", "id", eval.Anomalies[i].ID, "error", err)
			}
		}
	}

	payload, _ := json.Marshal(eval)
	if err := w.bus.Publish(ctx, domain.TopicEvaluationCompleted, payload); err != nil {
		slog.Error("failed to publish evaluation", "id", eval.ID, "error", err)
	}

	if eval.ShouldAlert() {
		for i := range eval.Anomalies {
			recPayload, _ := json.Marshal(&eval.Anomalies[i])
			if err := w.bus.Publish(ctx, domain.TopicAnomalyDetected, recPayload); err != nil {
				slog.Error("failed to publish anomaly", "id", eval.Anomalies[i].ID, "error", err)
			}
		}
	}

	slog.Info("transaction processed",
		"ticker", eval.Ticker,
		"insider", eval.InsiderName,
		"severity", eval.Composite.Severity,
		"tier", eval.Composite.Tier,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// EvaluateBatch evaluates a set of transactions concurrently, bounded by
// the configured concurrency. Each transaction is independent, so failures
// are logged per transaction and do not abort the batch.
func (w *Worker) EvaluateBatch(ctx context.Context, txns []domain.InsiderTransaction, concurrency int) {
	if concurrency <= 0 {
		concurrency = 4
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range txns {
		wg.Add(1)
		sem <- struct{}{}
		go func(tx *domain.InsiderTransaction) {
			defer wg.Done()
			defer func() { <-sem }()
			_ = w.ProcessTransaction(ctx, tx)
		}(&txns[i])
	}

	wg.Wait()
}

// buildInput materializes history and peers from the repository. History
// takes the insider's transactions strictly before the one under
// evaluation; peers take same-ticker transactions by other insiders inside
// the cluster window.
func (w *Worker) buildInput(ctx context.Context, tx *domain.InsiderTransaction) (*domain.EvaluateInput, error) {
	input := &domain.EvaluateInput{Transaction: *tx}

	if w.repo == nil {
		return input, nil
	}

	since := tx.TransactionDate.Add(-historyLookback)
	all, err := w.repo.GetTransactionsByInsider(ctx, tx.Ticker, tx.InsiderName, since)
	if err != nil {
		return nil, err
	}

	history := make([]domain.InsiderTransaction, 0, len(all))
	for _, t := range all {
		if t.TransactionDate.Before(tx.TransactionDate) {
			history = append(history, t)
		}
	}
	input.History = history

	windowStart := tx.TransactionDate.Add(-w.window)
	tickerTxns, err := w.repo.GetTransactionsByTicker(ctx, tx.Ticker, windowStart)
	if err != nil {
		return nil, err
	}

	peers := make([]domain.InsiderTransaction, 0, len(tickerTxns))
	for _, t := range tickerTxns {
		if t.InsiderName != tx.InsiderName && !t.TransactionDate.After(tx.TransactionDate) {
			peers = append(peers, t)
		}
	}
	input.Peers = peers

	return input, nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
