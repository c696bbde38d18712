// Package pipeline executes an ordered list of stages with short-circuit on
// failure. There is no branching and no retry: the first stage error ends
// the run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slipway-sh/slipway/internal/run"
)

// Stage is one step of a run. Run may mutate the run record (tag, image
// reference) for later stages.
type Stage struct {
	Name string
	Run  func(ctx context.Context, r *run.Run) error
}

// Reporter observes stage transitions and log output during a run.
type Reporter interface {
	StageStarted(ctx context.Context, r *run.Run, stage string)
	StageFinished(ctx context.Context, r *run.Run, stage string, err error)
	Log(ctx context.Context, r *run.Run, stage, line string)
}

// NopReporter discards all events.
type NopReporter struct{}

func (NopReporter) StageStarted(context.Context, *run.Run, string)         {}
func (NopReporter) StageFinished(context.Context, *run.Run, string, error) {}
func (NopReporter) Log(context.Context, *run.Run, string, string)          {}

// Executor runs stage lists sequentially and records stage metrics.
type Executor struct {
	logger             *slog.Logger
	metricsOnce        sync.Once
	metricsInitialized bool
	stageDuration      *prometheus.HistogramVec
	runsTotal          *prometheus.CounterVec
}

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// NewExecutor creates an Executor.
func NewExecutor(logger *slog.Logger) *Executor {
	e := &Executor{logger: logger}
	e.initMetrics()
	return e
}

// Execute runs the stages in order against r, stopping at the first error.
// The returned error names the failing stage and wraps its cause.
func (e *Executor) Execute(ctx context.Context, r *run.Run, stages []Stage, reporter Reporter) error {
	if reporter == nil {
		reporter = NopReporter{}
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			e.recordRun("canceled")
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		r.Stage = stage.Name
		reporter.StageStarted(ctx, r, stage.Name)
		start := time.Now()
		err := stage.Run(ctx, r)
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		e.recordStage(stage.Name, outcome, time.Since(start))
		reporter.StageFinished(ctx, r, stage.Name, err)
		if err != nil {
			e.recordRun(run.StatusFailed)
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}
	e.recordRun(run.StatusSucceeded)
	return nil
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		e.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slipway",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Latency distribution of pipeline stages",
			Buckets:   durationBuckets,
		}, []string{"stage", "outcome"})

		e.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slipway",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Count of finished pipeline runs by status",
		}, []string{"status"})

		collectors := []prometheus.Collector{e.stageDuration, e.runsTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.HistogramVec:
						e.stageDuration = existing
					case *prometheus.CounterVec:
						e.runsTotal = existing
					}
				}
			}
		}
		e.metricsInitialized = true
	})
}

func (e *Executor) recordStage(stage, outcome string, duration time.Duration) {
	if !e.metricsInitialized {
		return
	}
	e.stageDuration.With(prometheus.Labels{"stage": stage, "outcome": outcome}).Observe(duration.Seconds())
}

func (e *Executor) recordRun(status string) {
	if !e.metricsInitialized {
		return
	}
	e.runsTotal.With(prometheus.Labels{"status": status}).Inc()
}
