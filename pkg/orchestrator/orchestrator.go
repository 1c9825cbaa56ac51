// Package orchestrator drives one daily run: pre-flight checks, per
// (collector, region) collection bounded by timeouts and a global budget,
// and DailyReport finalization (spec §4.11).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/desertdata/proptrack/pkg/collector"
	"github.com/desertdata/proptrack/pkg/pipeline"
	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/proptrackerr"
	"github.com/desertdata/proptrack/pkg/repository"
)

// HealthChecker is the narrow slice of llm.Client the orchestrator's
// pre-flight check needs.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

// Binding pairs a named collector with the source label recorded in
// provenance and reports.
type Binding struct {
	Source    propmodel.Source
	Collector collector.Collector
}

// Mode selects sequential vs. parallel execution of (collector, region)
// pairs (spec §6.7's orchestration.mode).
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Config tunes the run (spec §6.7 orchestration.* keys).
type Config struct {
	Mode                       Mode
	BudgetMinutes              int
	PerCollectorTimeoutMinutes int
	ErrorThreshold             int
	ReportsDir                 string
	MaxParallelPairs           int
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSequential
	}
	if c.BudgetMinutes <= 0 {
		c.BudgetMinutes = 75
	}
	if c.PerCollectorTimeoutMinutes <= 0 {
		c.PerCollectorTimeoutMinutes = 30
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 50
	}
	if c.ReportsDir == "" {
		c.ReportsDir = "reports"
	}
	if c.MaxParallelPairs <= 0 {
		c.MaxParallelPairs = 4
	}
	return c
}

const maxReportErrors = 20

// Orchestrator runs the daily collection+processing cycle across every
// configured (collector, region) pair.
type Orchestrator struct {
	bindings  []Binding
	regions   []string
	pipeline  *pipeline.Pipeline
	repo      repository.Repository
	llmHealth HealthChecker
	cfg       Config
	log       *slog.Logger

	// perCollectorTimeout is derived from cfg at construction time; tests
	// in this package override it directly to exercise timeout handling
	// without waiting on minute-granularity config.
	perCollectorTimeout time.Duration
}

// New builds an Orchestrator. llmHealth may be nil, in which case the
// pre-flight LLM check is skipped (spec §4.11 step 1 treats it as a
// non-fatal warning either way).
func New(bindings []Binding, regions []string, pl *pipeline.Pipeline, repo repository.Repository, llmHealth HealthChecker, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	resolved := cfg.withDefaults()
	return &Orchestrator{
		bindings:            bindings,
		regions:             regions,
		pipeline:            pl,
		repo:                repo,
		llmHealth:           llmHealth,
		cfg:                 resolved,
		log:                 log.With("component", "orchestrator"),
		perCollectorTimeout: time.Duration(resolved.PerCollectorTimeoutMinutes) * time.Minute,
	}
}

// RunResult is what Run returns to the caller: the finalized report plus
// the process exit status derived from it.
type RunResult struct {
	Report   propmodel.DailyReport
	ExitCode int
	ReportPath string
}

// ExecutionReport is the JSON document written to disk for one run: the
// DailyReport plus the run-scoped identity and timing spec §6.6 names
// (the DailyReport itself stays run_id-free since it is upserted once per
// calendar day, keyed by date, not by run).
type ExecutionReport struct {
	RunID      string `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	propmodel.DailyReport
}

// accumulator collects counters across concurrent (collector, region)
// pairs under a single mutex (spec §5: "Metrics counters are updated via
// atomic integers or a single mutex").
type accumulator struct {
	mu sync.Mutex

	totalProcessed int
	newProperties  int
	bySource       map[propmodel.Source]propmodel.DailyReportSourceStats
	byZipcode      map[string]int
	prices         []float64
	errorCount     int
	warningCount   int
	errorSamples   []string
	apiRequests    int
	rateLimitHits  int
}

func newAccumulator() *accumulator {
	return &accumulator{
		bySource:  make(map[propmodel.Source]propmodel.DailyReportSourceStats),
		byZipcode: make(map[string]int),
	}
}

func (a *accumulator) recordBatch(source propmodel.Source, region string, result pipeline.BatchResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalProcessed += result.Processed
	a.newProperties += result.Processed
	a.byZipcode[region] += result.Processed

	stats := a.bySource[source]
	stats.Processed += result.Processed
	stats.New += result.Processed
	stats.Errors += result.Failed
	a.bySource[source] = stats

	a.errorCount += result.Failed
	for _, e := range result.Errors {
		if len(a.errorSamples) >= maxReportErrors {
			break
		}
		a.errorSamples = append(a.errorSamples, fmt.Sprintf("%s/%s: %s", source, e.SourceKey, e.Message))
	}
}

func (a *accumulator) recordCollectorFailure(source propmodel.Source, region string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warningCount++
	if len(a.errorSamples) < maxReportErrors {
		a.errorSamples = append(a.errorSamples, fmt.Sprintf("%s/%s: %v", source, region, err))
	}
}

func (a *accumulator) recordPriceSample(amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices = append(a.prices, amount)
}

// Run executes pre-flight, then every (collector, region) pair, then
// finalizes and persists the DailyReport.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	runID := uuid.New().String()
	log := o.log.With("run_id", runID)
	log.Info("starting daily run")

	if err := o.preflight(ctx); err != nil {
		return nil, err
	}

	budgetCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.BudgetMinutes)*time.Minute)
	defer cancel()

	acc := newAccumulator()
	pairs := o.buildPairs()

	if o.cfg.Mode == ModeParallel {
		o.runParallel(budgetCtx, pairs, acc)
	} else {
		o.runSequential(budgetCtx, pairs, acc)
	}

	finished := time.Now().UTC()
	report := o.finalizeReport(acc, start)

	reportPath, err := o.writeReportFile(runID, start.UTC(), finished, report)
	if err != nil {
		log.Warn("failed to write report file", "error", err)
	}

	if _, err := o.repo.UpsertDailyReport(ctx, report); err != nil {
		log.Warn("failed to persist daily report", "error", err)
	}

	exitCode := 1
	if report.TotalProcessed > 0 && report.ErrorCount < o.cfg.ErrorThreshold {
		exitCode = 0
	}

	return &RunResult{Report: report, ExitCode: exitCode, ReportPath: reportPath}, nil
}

func (o *Orchestrator) preflight(ctx context.Context) error {
	if err := o.repo.Ping(ctx); err != nil {
		return proptrackerr.Classify(proptrackerr.ErrRepository, "orchestrator", "", "", 0, err)
	}
	if o.llmHealth != nil && !o.llmHealth.Health(ctx) {
		o.log.Warn("llm health check failed during preflight, fallback extraction will be used")
	}
	return nil
}

type pair struct {
	binding Binding
	region  string
}

func (o *Orchestrator) buildPairs() []pair {
	pairs := make([]pair, 0, len(o.bindings)*len(o.regions))
	for _, b := range o.bindings {
		for _, r := range o.regions {
			pairs = append(pairs, pair{binding: b, region: r})
		}
	}
	return pairs
}

func (o *Orchestrator) runSequential(ctx context.Context, pairs []pair, acc *accumulator) {
	for i, p := range pairs {
		if ctx.Err() != nil {
			o.log.Warn("budget exceeded, stopping remaining work", "remaining_pairs", len(pairs)-i)
			return
		}
		o.runPair(ctx, p, acc)
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, pairs []pair, acc *accumulator) {
	sem := make(chan struct{}, o.cfg.MaxParallelPairs)
	var wg sync.WaitGroup

	for _, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.runPair(ctx, p, acc)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) runPair(ctx context.Context, p pair, acc *accumulator) {
	log := o.log.With("source", p.binding.Source, "region", p.region)

	pairCtx, cancel := context.WithTimeout(ctx, o.perCollectorTimeout)
	defer cancel()

	records, err := p.binding.Collector.CollectRegion(pairCtx, p.region)
	if err != nil {
		if pairCtx.Err() != nil {
			log.Warn("collector timed out, marking degraded for this run")
		} else {
			log.Warn("collector failed", "error", err)
		}
		acc.recordCollectorFailure(p.binding.Source, p.region, err)
		return
	}
	if len(records) == 0 {
		log.Info("collector returned no records")
		return
	}

	result := o.pipeline.ProcessBatch(pairCtx, records, p.binding.Source, p.binding.Collector)
	acc.recordBatch(p.binding.Source, p.region, result)
	log.Info("processed region", "processed", result.Processed, "failed", result.Failed)
}

func (o *Orchestrator) finalizeReport(acc *accumulator, start time.Time) propmodel.DailyReport {
	acc.mu.Lock()
	defer acc.mu.Unlock()

	now := time.Now().UTC()
	report := propmodel.DailyReport{
		Date:              time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		TotalProcessed:    acc.totalProcessed,
		NewProperties:     acc.newProperties,
		UpdatedProperties: 0,
		BySource:          acc.bySource,
		ByZipcode:         acc.byZipcode,
		PriceStats:        priceStats(acc.prices),
		ErrorCount:        acc.errorCount,
		WarningCount:      acc.warningCount,
		DurationSeconds:   time.Since(start).Seconds(),
		APIRequests:       acc.apiRequests,
		RateLimitHits:     acc.rateLimitHits,
		RawMetrics: map[string]any{
			"error_samples": acc.errorSamples,
		},
	}
	report.DataQualityScore = dataQualityScore(report)
	return report
}

// priceStats computes min/max/avg/median over the run's collected current
// prices. An exact median over the in-run sample is used rather than a
// streaming digest: run volume is bounded by the configured zip codes, so
// the full sample comfortably fits in memory (spec §9 Open Question,
// decided and recorded in DESIGN.md).
func priceStats(prices []float64) propmodel.DailyReportPriceStats {
	if len(prices) == 0 {
		return propmodel.DailyReportPriceStats{}
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, p := range sorted {
		sum += p
	}

	return propmodel.DailyReportPriceStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Avg:    sum / float64(len(sorted)),
		Median: median(sorted),
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// dataQualityScore is a coarse run-level signal: the fraction of attempted
// items that were successfully processed.
func dataQualityScore(r propmodel.DailyReport) float64 {
	attempted := r.TotalProcessed + r.ErrorCount
	if attempted == 0 {
		return 0
	}
	return float64(r.TotalProcessed) / float64(attempted)
}

// writeReportFile writes the JSON execution report under ReportsDir, named
// per spec §6.6 ("well-known name including run id and ISO timestamp").
func (o *Orchestrator) writeReportFile(runID string, started, finished time.Time, report propmodel.DailyReport) (string, error) {
	if err := os.MkdirAll(o.cfg.ReportsDir, 0o755); err != nil {
		return "", err
	}

	timestamp := strings.ReplaceAll(finished.Format(time.RFC3339), ":", "")
	filename := fmt.Sprintf("run-%s-%s.json", runID, timestamp)
	path := filepath.Join(o.cfg.ReportsDir, filename)

	exec := ExecutionReport{RunID: runID, StartedAt: started, FinishedAt: finished, DailyReport: report}
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
