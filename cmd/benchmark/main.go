// Benchmark tool for testing Merlin against labeled insider-trade data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/trades.csv -url http://localhost:8080
//
// This tool:
//   1. Reads insider transaction data with anomaly labels
//   2. Replays each insider's trades chronologically through POST /evaluate,
//      building the history payload client-side as it goes
//   3. Compares Merlin's verdict (tier above the alert floor) with the labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledTransaction is one CSV row: a transaction plus its ground truth.
type LabeledTransaction struct {
	Ticker           string
	InsiderName      string
	TransactionDate  time.Time
	TransactionCode  string
	Shares           float64
	PricePerShare    float64
	SharesOwnedAfter float64
	HasHoldings      bool
	IsCSuite         bool
	IsOfficer        bool
	IsDirector       bool
	IsPlanned        bool
	IsAnomalous      bool
}

// Transaction mirrors the Merlin API transaction format.
type Transaction struct {
	Ticker           string    `json:"ticker"`
	InsiderName      string    `json:"insiderName"`
	IsOfficer        bool      `json:"isOfficer"`
	IsDirector       bool      `json:"isDirector"`
	IsCSuite         bool      `json:"isCSuite"`
	TransactionDate  time.Time `json:"transactionDate"`
	TransactionCode  string    `json:"transactionCode"`
	Shares           float64   `json:"shares"`
	PricePerShare    *float64  `json:"pricePerShare,omitempty"`
	SharesOwnedAfter *float64  `json:"sharesOwnedAfter,omitempty"`
	IsPlanned        bool      `json:"isPlanned"`
	FilingDate       time.Time `json:"filingDate"`
}

// EvaluateRequest is the Merlin API request format.
type EvaluateRequest struct {
	Transaction Transaction   `json:"transaction"`
	History     []Transaction `json:"history,omitempty"`
	Peers       []Transaction `json:"peers,omitempty"`
}

// EvaluateResponse is the subset of the evaluation this tool inspects.
type EvaluateResponse struct {
	ID        string `json:"id"`
	Composite struct {
		Severity float64 `json:"severity"`
		Tier     string  `json:"tier"`
	} `json:"composite"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Anomalous detected above the floor
	FalsePositives int64 // Routine detected above the floor
	TrueNegatives  int64 // Routine detected as NONE
	FalseNegatives int64 // Anomalous detected as NONE (missed!)

	TotalProcessed int64
	TotalAnomalous int64
	TotalRoutine   int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

var tierRank = map[string]int{
	"NONE":     0,
	"LOW":      1,
	"MODERATE": 2,
	"HIGH":     3,
	"CRITICAL": 4,
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled insider-trade CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Merlin base URL")
	alertTier := flag.String("alert-tier", "LOW", "Lowest tier counted as an alert")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	anomalousOnly := flag.Bool("anomalous-only", false, "Only replay labeled anomalies")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/trades.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	alertFloor, ok := tierRank[strings.ToUpper(*alertTier)]
	if !ok || alertFloor == 0 {
		fmt.Printf("ERROR: invalid alert tier %q (use LOW, MODERATE, HIGH or CRITICAL)\n", *alertTier)
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        MERLIN BENCHMARK - Insider Anomaly Detection           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Merlin URL:  %s\n", *baseURL)
	fmt.Printf("Alert Tier:  %s and above\n", strings.ToUpper(*alertTier))
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Merlin not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Merlin is running:")
		fmt.Println("  go run cmd/merlin/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Merlin is healthy")

	fmt.Printf("\nReading labeled trades from %s...\n", *csvPath)
	transactions, err := readLabeledCSV(*csvPath, *limit, *anomalousOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("ERROR: no usable rows in CSV")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	anomalousCount := 0
	for _, tx := range transactions {
		if tx.IsAnomalous {
			anomalousCount++
		}
	}
	fmt.Printf("  - Anomalous: %d (%.2f%%)\n", anomalousCount, 100*float64(anomalousCount)/float64(len(transactions)))
	fmt.Printf("  - Routine:   %d (%.2f%%)\n", len(transactions)-anomalousCount, 100*float64(len(transactions)-anomalousCount)/float64(len(transactions)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, alertFloor, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readLabeledCSV(path string, limit int, anomalousOnly bool) ([]LabeledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var transactions []LabeledTransaction

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isAnomalous := field(record, "is_anomalous") == "1"
		if anomalousOnly && !isAnomalous {
			continue
		}

		date, err := time.Parse("2006-01-02", field(record, "transaction_date"))
		if err != nil {
			continue
		}

		shares, _ := strconv.ParseFloat(field(record, "shares"), 64)
		price, _ := strconv.ParseFloat(field(record, "price_per_share"), 64)
		holdingsRaw := field(record, "shares_owned_after")
		after, afterErr := strconv.ParseFloat(holdingsRaw, 64)

		tx := LabeledTransaction{
			Ticker:           field(record, "ticker"),
			InsiderName:      field(record, "insider_name"),
			TransactionDate:  date,
			TransactionCode:  field(record, "transaction_code"),
			Shares:           shares,
			PricePerShare:    price,
			SharesOwnedAfter: after,
			HasHoldings:      holdingsRaw != "" && afterErr == nil,
			IsCSuite:         field(record, "is_csuite") == "1",
			IsOfficer:        field(record, "is_officer") == "1",
			IsDirector:       field(record, "is_director") == "1",
			IsPlanned:        field(record, "is_planned") == "1",
			IsAnomalous:      isAnomalous,
		}

		transactions = append(transactions, tx)

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

// insiderSeries is one insider's trades in chronological order. Replaying a
// series in order lets each request carry the trades before it as history.
type insiderSeries struct {
	trades []LabeledTransaction
}

func groupByInsider(transactions []LabeledTransaction) []insiderSeries {
	byInsider := make(map[string][]LabeledTransaction)
	keys := make([]string, 0)
	for _, tx := range transactions {
		key := tx.Ticker + "|" + tx.InsiderName
		if _, seen := byInsider[key]; !seen {
			keys = append(keys, key)
		}
		byInsider[key] = append(byInsider[key], tx)
	}
	sort.Strings(keys)

	series := make([]insiderSeries, 0, len(keys))
	for _, key := range keys {
		trades := byInsider[key]
		sort.Slice(trades, func(i, j int) bool {
			return trades[i].TransactionDate.Before(trades[j].TransactionDate)
		})
		series = append(series, insiderSeries{trades: trades})
	}
	return series
}

func runBenchmark(transactions []LabeledTransaction, baseURL string, alertFloor, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Each worker owns whole insider series so history stays in order.
	work := make(chan insiderSeries, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for series := range work {
				history := make([]Transaction, 0, len(series.trades))

				for _, tx := range series.trades {
					apiTx := toAPITransaction(tx)

					start := time.Now()
					result, err := evaluateTransaction(client, baseURL, apiTx, history)
					elapsed := time.Since(start).Milliseconds()

					atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
					atomic.AddInt64(&metrics.TotalProcessed, 1)

					history = append(history, apiTx)

					if err != nil {
						atomic.AddInt64(&metrics.TotalErrors, 1)
						if verbose {
							fmt.Printf("ERROR: %s/%s -> %v\n", tx.Ticker, tx.InsiderName, err)
						}
						continue
					}

					if tx.IsAnomalous {
						atomic.AddInt64(&metrics.TotalAnomalous, 1)
					} else {
						atomic.AddInt64(&metrics.TotalRoutine, 1)
					}

					predicted := tierRank[result.Composite.Tier] >= alertFloor
					actual := tx.IsAnomalous

					if predicted && actual {
						atomic.AddInt64(&metrics.TruePositives, 1)
					} else if predicted && !actual {
						atomic.AddInt64(&metrics.FalsePositives, 1)
					} else if !predicted && !actual {
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					} else { // !predicted && actual
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}

					if verbose {
						status := "✓"
						if predicted != actual {
							status = "✗"
						}
						fmt.Printf("%s %-6s %-20s | %s | Shares: %12.0f | Anomalous: %-5v | Merlin: %-8s (%.2f)\n",
							status,
							tx.Ticker,
							tx.InsiderName,
							tx.TransactionDate.Format("2006-01-02"),
							tx.Shares,
							tx.IsAnomalous,
							result.Composite.Tier,
							result.Composite.Severity,
						)
					}
				}
			}
		}()
	}

	for _, series := range groupByInsider(transactions) {
		work <- series
	}
	close(work)

	wg.Wait()

	return metrics
}

func toAPITransaction(tx LabeledTransaction) Transaction {
	apiTx := Transaction{
		Ticker:          tx.Ticker,
		InsiderName:     tx.InsiderName,
		IsOfficer:       tx.IsOfficer,
		IsDirector:      tx.IsDirector,
		IsCSuite:        tx.IsCSuite,
		TransactionDate: tx.TransactionDate,
		TransactionCode: tx.TransactionCode,
		Shares:          tx.Shares,
		IsPlanned:       tx.IsPlanned,
		FilingDate:      tx.TransactionDate.AddDate(0, 0, 2),
	}
	if tx.PricePerShare > 0 {
		price := tx.PricePerShare
		apiTx.PricePerShare = &price
	}
	if tx.HasHoldings {
		after := tx.SharesOwnedAfter
		apiTx.SharesOwnedAfter = &after
	}
	return apiTx
}

func evaluateTransaction(client *http.Client, baseURL string, tx Transaction, history []Transaction) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		Transaction: tx,
		History:     history,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Anomalous:  %d\n", m.TotalAnomalous)
	fmt.Printf("   Total Routine:    %d\n", m.TotalRoutine)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    ALERT       NONE")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           R  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were labeled anomalies)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of anomalies, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalAnomalous > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalAnomalous) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalAnomalous) * 100
		fmt.Printf("   Anomalies Detected: %d / %d (%.2f%%)\n", m.TruePositives, m.TotalAnomalous, detectionRate)
		fmt.Printf("   Anomalies Missed:   %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalAnomalous, missRate)
	}
	if m.TotalRoutine > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalRoutine) * 100
		fmt.Printf("   False Alarms:       %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalRoutine, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most labeled anomalies")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some anomalies")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant anomalies being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most anomalies are being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - alerts are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
