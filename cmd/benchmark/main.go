// Benchmark tool for replaying labeled coupon redemptions against couponguard.
//
// Usage:
//
//	go run ./cmd/benchmark -csv coupon_abuse.csv -url http://localhost:8080
//	go run ./cmd/benchmark -generate 150 -out coupon_abuse.csv
//
// This tool:
//  1. Reads (or generates) coupon redemptions with abuse labels
//  2. Sends each redemption to POST /score
//  3. Optionally returns the label through POST /feedback so weights adapt
//  4. Compares the verdict with the label and prints a confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/couponguard/internal/api"
	"github.com/opensource-finance/couponguard/internal/domain"
)

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Abuse flagged
	FalsePositives int64 // Legitimate flagged
	TrueNegatives  int64 // Legitimate passed
	FalseNegatives int64 // Abuse passed (missed!)

	TotalProcessed int64
	TotalAbuse     int64
	TotalLegit     int64
	TotalErrors    int64
	NoSignal       int64

	FeedbackApplied  int64
	FeedbackRejected int64

	ProcessingTimeMs int64
}

type options struct {
	baseURL  string
	workers  int
	predict  string
	feedback bool
	buffer   bool
	verbose  bool
}

func main() {
	csvPath := flag.String("csv", "", "Path to a coupon redemption CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "couponguard base URL")
	limit := flag.Int("limit", 0, "Maximum redemptions to process (0 = all)")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	predict := flag.String("predict", "review", "Verdict used as the prediction: review or tier")
	feedback := flag.Bool("feedback", false, "Send each label back through /feedback")
	buffer := flag.Bool("buffer", false, "Buffer feedback and flush once at the end")
	generateN := flag.Int("generate", 0, "Generate a synthetic dataset of N rows instead of reading -csv")
	abuseRate := flag.Float64("abuse-rate", 0.3, "Share of abusive rows when generating")
	seed := flag.Uint64("seed", 42, "Random seed when generating")
	out := flag.String("out", "", "Write the generated dataset here and exit")
	verbose := flag.Bool("verbose", false, "Print each redemption result")
	flag.Parse()

	if *csvPath == "" && *generateN == 0 {
		fmt.Println("Usage: benchmark -csv /path/to/coupon_abuse.csv [-url http://localhost:8080]")
		fmt.Println("       benchmark -generate 150 [-out coupon_abuse.csv]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *predict != "review" && *predict != "tier" {
		fmt.Printf("ERROR: -predict must be review or tier, got %q\n", *predict)
		os.Exit(1)
	}

	var rows []Row
	if *generateN > 0 {
		rows = generate(*generateN, *abuseRate, *seed)
		if *out != "" {
			if err := writeCSV(*out, rows); err != nil {
				fmt.Printf("ERROR: Failed to write CSV: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("✓ Wrote %d rows to %s\n", len(rows), *out)
			return
		}
		if *limit > 0 && len(rows) > *limit {
			rows = rows[:*limit]
		}
	} else {
		var err error
		rows, err = readCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         COUPONGUARD BENCHMARK - Coupon Abuse Replay           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	if *csvPath != "" {
		fmt.Printf("\nCSV File:    %s\n", *csvPath)
	} else {
		fmt.Printf("\nGenerated:   %d rows (abuse rate %.2f, seed %d)\n", *generateN, *abuseRate, *seed)
	}
	fmt.Printf("Server URL:  %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Predict:     %s\n", *predict)
	fmt.Printf("Feedback:    %v (buffered: %v)\n", *feedback, *buffer)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: couponguard not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure couponguard is running:")
		fmt.Println("  go run ./cmd/couponguard")
		os.Exit(1)
	}
	fmt.Println("✓ couponguard is healthy")

	abuseCount := 0
	for _, r := range rows {
		if r.Abuse {
			abuseCount++
		}
	}
	fmt.Printf("✓ Loaded %d redemptions (%d abusive, %d legitimate)\n", len(rows), abuseCount, len(rows)-abuseCount)

	opts := options{
		baseURL:  *baseURL,
		workers:  max(1, *workers),
		predict:  *predict,
		feedback: *feedback,
		buffer:   *buffer,
		verbose:  *verbose,
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", opts.workers)
	start := time.Now()
	metrics := runBenchmark(rows, opts)
	duration := time.Since(start)

	client := &http.Client{Timeout: 30 * time.Second}
	if opts.feedback && opts.buffer {
		resp, err := flushFeedback(client, opts.baseURL)
		if err != nil {
			fmt.Printf("WARNING: feedback flush failed: %v\n", err)
		} else {
			metrics.FeedbackApplied += int64(resp.Applied)
			metrics.FeedbackRejected += int64(len(resp.Outcomes) - resp.Applied)
		}
	}

	printResults(metrics, duration)

	if opts.feedback {
		weights, err := fetchWeights(client, opts.baseURL)
		if err != nil {
			fmt.Printf("WARNING: failed to fetch weights: %v\n", err)
			return
		}
		printWeights(weights)
	}
}

func checkHealth(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(rows []Row, opts options) *Metrics {
	metrics := &Metrics{}
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        opts.workers * 2,
			MaxIdleConnsPerHost: opts.workers * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	work := make(chan Row, opts.workers*2)
	var wg sync.WaitGroup
	var printMu sync.Mutex

	for range opts.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				start := time.Now()
				result, err := scoreRow(client, opts.baseURL, row)
				elapsed := time.Since(start).Milliseconds()

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if opts.verbose {
						printMu.Lock()
						fmt.Printf("ERROR %s: %v\n", row.TransactionID, err)
						printMu.Unlock()
					}
					continue
				}

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				if result.NoSignal {
					atomic.AddInt64(&metrics.NoSignal, 1)
				}

				predicted := flagged(result, opts.predict)
				actual := row.Abuse
				if actual {
					atomic.AddInt64(&metrics.TotalAbuse, 1)
				} else {
					atomic.AddInt64(&metrics.TotalLegit, 1)
				}
				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if opts.feedback {
					resp, err := sendFeedback(client, opts.baseURL, result.TxID, row.Abuse, opts.buffer)
					switch {
					case err != nil:
						atomic.AddInt64(&metrics.FeedbackRejected, 1)
					case !opts.buffer:
						atomic.AddInt64(&metrics.FeedbackApplied, int64(resp.Applied))
						atomic.AddInt64(&metrics.FeedbackRejected, int64(len(resp.Outcomes)-resp.Applied))
					}
				}

				if opts.verbose {
					printMu.Lock()
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					name := row.UserName
					if len(name) > 16 {
						name = name[:16]
					}
					fmt.Printf("%s %-8s | %-16s | Vendor: %-10s | Coupon: %-9s | Abuse: %-5v | P: %.3f %-8s | Review: %v\n",
						status,
						row.TransactionID,
						name,
						row.VendorName,
						row.CouponCode,
						row.Abuse,
						result.FraudProbability,
						result.RiskTier,
						result.ManualReview,
					)
					printMu.Unlock()
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)

	wg.Wait()

	return metrics
}

// flagged maps a score to a binary verdict.
func flagged(result *domain.ScoredTransaction, mode string) bool {
	if mode == "tier" {
		return result.RiskTier == domain.TierHigh || result.RiskTier == domain.TierCritical
	}
	return result.ManualReview
}

func scoreRow(client *http.Client, baseURL string, row Row) (*domain.ScoredTransaction, error) {
	req := api.TransactionRequest{
		ID:             row.TransactionID,
		UserID:         row.UserID,
		UserName:       row.UserName,
		Phone:          row.Phone,
		Email:          row.Email,
		VendorName:     row.VendorName,
		Merchant:       row.Merchant,
		Channel:        row.Channel,
		CouponCode:     row.CouponCode,
		ItemsCount:     row.ItemsCount,
		OriginalAmount: row.OriginalAmount,
		DiscountAmount: row.DiscountAmount,
		FinalAmount:    row.FinalAmount,
		Timestamp:      row.Date,
	}

	var result domain.ScoredTransaction
	if err := postJSON(client, baseURL+"/score", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func sendFeedback(client *http.Client, baseURL, txID string, abuse, buffer bool) (*api.FeedbackResponse, error) {
	label := domain.LabelLegitimate
	if abuse {
		label = domain.LabelFraud
	}
	req := api.FeedbackRequest{
		Records: []api.FeedbackRecordRequest{{
			TxID:     txID,
			Label:    string(label),
			Reviewer: "benchmark",
		}},
	}

	url := baseURL + "/feedback"
	if buffer {
		url += "?buffer=true"
	}
	var resp api.FeedbackResponse
	if err := postJSON(client, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func flushFeedback(client *http.Client, baseURL string) (*api.FeedbackResponse, error) {
	var resp api.FeedbackResponse
	if err := postJSON(client, baseURL+"/feedback/flush", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func fetchWeights(client *http.Client, baseURL string) (*api.WeightsResponse, error) {
	resp, err := client.Get(baseURL + "/weights")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var weights api.WeightsResponse
	if err := json.NewDecoder(resp.Body).Decode(&weights); err != nil {
		return nil, err
	}
	return &weights, nil
}

func postJSON(client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// rates derives precision, recall, F1 and accuracy from the matrix.
func rates(m *Metrics) (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Abuse:      %d\n", m.TotalAbuse)
	fmt.Printf("   Total Legitimate: %d\n", m.TotalLegit)
	fmt.Printf("   No Signal:        %d\n", m.NoSignal)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FLAG        PASS")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           L  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision, recall, f1, accuracy := rates(m)

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were abuse)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of abuse, how much was flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.FeedbackApplied+m.FeedbackRejected > 0 {
		fmt.Printf("\n🔁 FEEDBACK\n")
		fmt.Printf("   Applied:    %d\n", m.FeedbackApplied)
		fmt.Printf("   Rejected:   %d\n", m.FeedbackRejected)
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
		fmt.Println("   ✅ Excellent recall - catching most abuse")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some abuse")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant abuse being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most abuse is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}

func printWeights(w *api.WeightsResponse) {
	fmt.Printf("⚖️  WEIGHTS (version %d)\n", w.Version)
	for _, v := range w.Rules {
		fmt.Printf("   %-20s %.4f  [%.3f, %.3f]  α=%.1f β=%.1f  %s\n",
			v.Rule, v.Weight, v.IntervalLo, v.IntervalHi, v.Alpha, v.Beta, v.Status)
	}
	fmt.Println()
}
