package octoflow

import (
	"log/slog"
	"time"
)

type RuntimeOption func(*Runtime)

// WithMaxIterations overrides the continuation-loop safety bound.
func WithMaxIterations(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

func WithNotifier(notifier Notifier) RuntimeOption {
	return func(r *Runtime) {
		r.notifier = notifier
	}
}

func WithMetrics(metrics *Metrics) RuntimeOption {
	return func(r *Runtime) {
		r.metrics = metrics
	}
}

func WithConditionEvaluator(evaluator ConditionEvaluator) RuntimeOption {
	return func(r *Runtime) {
		r.evaluator = evaluator
	}
}

func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithClock replaces the runtime's time source. Used by tests.
func WithClock(now func() time.Time) RuntimeOption {
	return func(r *Runtime) {
		r.now = now
	}
}
