package octoflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// JSONActionHandler adapts a single-map function to the ActionHandler
// interface: node properties and the business context are merged into one
// input document, properties winning on key collisions.
type JSONActionHandler struct {
	name string
	fn   func(ctx context.Context, instance *WorkflowInstance, data map[string]any) (map[string]any, error)
}

func NewJSONActionHandler(
	name string,
	fn func(ctx context.Context, instance *WorkflowInstance, data map[string]any) (map[string]any, error),
) *JSONActionHandler {
	return &JSONActionHandler{
		name: name,
		fn:   fn,
	}
}

func (h *JSONActionHandler) Name() string {
	return h.name
}

func (h *JSONActionHandler) Execute(
	ctx context.Context,
	instance *WorkflowInstance,
	params map[string]any,
	env map[string]any,
) (map[string]any, error) {
	data := make(map[string]any, len(env)+len(params))
	for k, v := range env {
		data[k] = v
	}
	for k, v := range params {
		data[k] = v
	}

	return h.fn(ctx, instance, data)
}

// MarshalContext renders an instance context into raw JSON, mostly useful in
// handlers that forward context downstream.
func MarshalContext(ictx *InstanceContext) (json.RawMessage, error) {
	raw, err := json.Marshal(ictx)
	if err != nil {
		return nil, fmt.Errorf("marshal instance context: %w", err)
	}

	return raw, nil
}

func CalculateRetryDelay(strategy RetryStrategy, baseDelay time.Duration, retryAttempt int) time.Duration {
	switch strategy {
	case RetryStrategyExponential:
		// Exponential backoff: baseDelay * 2^retryAttempt
		multiplier := math.Pow(2, float64(retryAttempt))
		return time.Duration(float64(baseDelay) * multiplier)

	case RetryStrategyLinear:
		// Linear backoff: baseDelay * retryAttempt
		return baseDelay * time.Duration(retryAttempt)

	case RetryStrategyFixed:
		fallthrough
	default:
		// Fixed delay: always use baseDelay
		return baseDelay
	}
}
