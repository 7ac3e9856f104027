package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/llm"
)

// engineDeps is the shared wiring for the scan and swarm commands: one
// connected tool backend and one throttled model provider.
type engineDeps struct {
	backend  *backend.MCPBackend
	throttle *llm.Throttle
}

func newEngineDeps(ctx context.Context) (*engineDeps, error) {
	if viper.GetString("llm.model") == "" {
		return nil, fmt.Errorf("no model configured (llm.model)")
	}

	be, err := backend.NewMCPBackend(ctx)
	if err != nil {
		return nil, err
	}

	provider := llm.NewOpenAIProvider()
	var throttleOpts []llm.ThrottleOption
	if timeout := viper.GetInt("llm.queue.timeout"); timeout > 0 {
		throttleOpts = append(throttleOpts, llm.WithCallTimeout(time.Duration(timeout)*time.Second))
	}
	if minDelay := viper.GetInt("llm.queue.min_delay"); minDelay > 0 {
		throttleOpts = append(throttleOpts, llm.WithMinDelay(time.Duration(minDelay)*time.Second))
	}
	if retryDelay := viper.GetInt("llm.queue.retry_delay"); retryDelay > 0 {
		throttleOpts = append(throttleOpts, llm.WithRetryDelay(time.Duration(retryDelay)*time.Second))
	}
	throttle := llm.NewThrottle(provider, throttleOpts...)
	return &engineDeps{backend: be, throttle: throttle}, nil
}

func (d *engineDeps) Close() {
	d.throttle.Close()
	d.backend.Close()
}
