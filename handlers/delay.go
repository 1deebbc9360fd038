package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/flowstate-io/flowstate/types"
)

// KindDelay sleeps for the configured duration, then succeeds.
const KindDelay = "delay"

type delayConfig struct {
	DurationMS int `mapstructure:"duration_ms"`
}

// DelayHandler implements the delay capability.
type DelayHandler struct{}

func NewDelayHandler() *DelayHandler { return &DelayHandler{} }

func (h *DelayHandler) Kind() string { return KindDelay }

func (h *DelayHandler) Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*Result, error) {
	var cfg delayConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.DurationMS <= 0 {
		return nil, fmt.Errorf("delay node %s: duration_ms must be positive", node.ID)
	}

	d := time.Duration(cfg.DurationMS) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &Result{Output: map[string]interface{}{"slept_ms": cfg.DurationMS}}, nil
	}
}
