package common

import (
	"fmt"

	"github.com/panjf2000/ants/v2"
)

type PoolConfig struct {
	MaxWorkers int
}

// NewPool creates a bounded ants goroutine pool. Both the threaded latency
// strategy and the bulk port scanner draw their workers from pools built here.
func NewPool(config PoolConfig) (*ants.Pool, error) {
	if config.MaxWorkers <= 0 {
		return nil, fmt.Errorf("invalid pool size: %d", config.MaxWorkers)
	}

	pool, err := ants.NewPool(config.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to create goroutine pool: %w", err)
	}

	return pool, nil
}
