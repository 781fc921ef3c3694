// Package disttest runs multi-rank distributed tests inside a single process: each
// rank is a goroutine, the ranks share an in-process HashStore for rendezvous, and
// tensors flow over real loopback TCP connections.
package disttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Timeout bounds one distributed test scenario, rendezvous included.
const Timeout = 30 * time.Second

// Run executes fn once per rank, concurrently, each with a fully rendezvoused process
// group, and fails the test on the first error. Extra group options (for example
// distributed.WithProtocolVersion) apply to every rank.
func Run(t *testing.T, worldSize int, fn func(ctx context.Context, g *distributed.ProcessGroup) error, opts ...distributed.GroupOption) {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	store := distributed.NewHashStore()
	defer func() { _ = store.Close() }()
	options := append([]distributed.GroupOption{
		distributed.WithSession(uuid.NewString()),
		distributed.WithTimeout(Timeout),
	}, opts...)

	eg, egCtx := errgroup.WithContext(ctx)
	for rank := range worldSize {
		eg.Go(func() error {
			g, err := distributed.NewProcessGroup(egCtx, store, rank, worldSize, options...)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()
			return fn(egCtx, g)
		})
	}
	require.NoError(t, eg.Wait())
}

// envMu serializes scenarios that rewrite the process environment and the default
// process group, both process-global.
var envMu sync.Mutex

// RunWithEnv runs fn with the given environment variables set, for scenarios built on
// distributed.InitFromEnv. Any default group fn leaves installed is shut down when it
// returns. The environment overlay lasts until the surrounding test finishes.
func RunWithEnv(t *testing.T, env map[string]string, fn func(ctx context.Context) error) {
	envMu.Lock()
	defer envMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	for key, value := range env {
		t.Setenv(key, value)
	}
	defer func() { require.NoError(t, distributed.Shutdown()) }()
	require.NoError(t, fn(ctx))
}
