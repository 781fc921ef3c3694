// Package distributed implements the multi-process training runtime: a coordination
// store, process groups with point-to-point connections between ranks, and the blocking
// collective operations (broadcast, all-gather, all-reduce, reduce-scatter, barrier)
// built on top of them.
//
// Processes find each other through a Store: rank 0 usually hosts a TCPStore that the
// other ranks connect to (see InitFromEnv), while tests share a HashStore. On top of the
// store, NewProcessGroup runs a rendezvous that exchanges listener addresses and
// negotiates the protocol version, after which ranks talk tensors directly to each other
// over lazily dialed TCP connections.
package distributed

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Store is the coordination key-value service used for rendezvous, session negotiation
// and barriers. Implementations must be safe for concurrent use.
type Store interface {
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error

	// Get blocks until key exists or ctx is done, and returns the value.
	Get(ctx context.Context, key string) ([]byte, error)

	// Add atomically adds delta to the decimal integer stored at key (0 if absent) and
	// returns the new value.
	Add(ctx context.Context, key string, delta int64) (int64, error)

	// Close releases the store's resources. Blocked Get calls return with an error.
	Close() error
}

// HashStore is an in-process Store backed by a map and a condition variable.
// All ranks of an in-process test share one instance.
type HashStore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   map[string][]byte
	closed bool
}

var _ Store = (*HashStore)(nil)

// NewHashStore creates an empty in-process store.
func NewHashStore() *HashStore {
	s := &HashStore{data: make(map[string][]byte)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Set stores value under key and wakes up any Get blocked on it.
func (s *HashStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}
	s.data[key] = slices.Clone(value)
	s.cond.Broadcast()
	return nil
}

// Get blocks until key exists or ctx is done, and returns a copy of the value.
func (s *HashStore) Get(ctx context.Context, key string) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if value, found := s.data[key]; found {
			return slices.Clone(value), nil
		}
		if s.closed {
			return nil, errors.New("store is closed")
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "waiting for store key %q", key)
		}
		s.cond.Wait()
	}
}

// Add atomically adds delta to the decimal integer at key (0 if absent) and returns the
// new value. The updated value is observable by Get as a decimal string.
func (s *HashStore) Add(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("store is closed")
	}
	var current int64
	if raw, found := s.data[key]; found {
		var err error
		current, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "store key %q does not hold an integer", key)
		}
	}
	current += delta
	s.data[key] = []byte(strconv.FormatInt(current, 10))
	s.cond.Broadcast()
	return current, nil
}

// Close releases blocked Get calls. Further operations return errors.
func (s *HashStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}
