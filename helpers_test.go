package warehouse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// sleepRecorder replaces the client's sleeper so tests observe delays without
// waiting for them.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(d time.Duration)
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// newTestClient returns a client for endpoint authenticated with "test-token"
// against warehouse "wh-1".
func newTestClient(t *testing.T, endpoint string, mutate ...func(*Config)) (*Client, *sleepRecorder) {
	t.Helper()
	cfg := Config{Endpoint: endpoint, Token: "test-token", WarehouseID: "wh-1"}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func seconds(n ...int) []time.Duration {
	out := make([]time.Duration, len(n))
	for i, s := range n {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
