package distributed

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TCPStore ops.
const (
	storeOpSet = iota + 1
	storeOpGet
	storeOpAdd
)

// storeRequest is one client request on a TCPStore connection.
type storeRequest struct {
	Op    int
	Key   string
	Value []byte
	Delta int64
}

// storeResponse answers one storeRequest.
type storeResponse struct {
	Value []byte
	Sum   int64
	Err   string
}

// TCPStore is a Store served over TCP by one of the ranks (usually rank 0) and
// accessed by the others as clients. The server side delegates to an in-process
// HashStore; clients issue one request at a time over a single connection.
//
// Get blocks on the server side, so the server handles each connection in its own
// goroutine and a client must not share a connection between concurrent Gets. The
// client side serializes requests with a mutex. A request aborted by its context
// leaves the response stream out of step, so the client connection is marked broken
// and every later operation on it fails.
type TCPStore struct {
	isServer bool

	// Server side.
	listener net.Listener
	backing  *HashStore
	handlers sync.WaitGroup

	// Client side.
	mu     sync.Mutex
	conn   net.Conn
	enc    *gob.Encoder
	dec    *gob.Decoder
	broken bool

	closed bool
}

var _ Store = (*TCPStore)(nil)

// NewTCPStore creates the store server on addr:port when isServer is true, otherwise
// connects to it as a client. Clients retry the dial until timeout, since the server
// rank may come up later than they do.
func NewTCPStore(addr string, port int, isServer bool, timeout time.Duration) (*TCPStore, error) {
	hostPort := net.JoinHostPort(addr, fmt.Sprintf("%d", port))
	s := &TCPStore{isServer: isServer}
	if isServer {
		listener, err := net.Listen("tcp", hostPort)
		if err != nil {
			return nil, errors.Wrapf(err, "TCPStore failed to listen on %s", hostPort)
		}
		s.listener = listener
		s.backing = NewHashStore()
		go s.acceptLoop()
		klog.V(1).Infof("TCPStore serving on %s", listener.Addr())
		return s, nil
	}

	deadline := time.Now().Add(timeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", hostPort, time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "TCPStore failed to connect to %s within %s", hostPort, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	s.conn = conn
	s.enc = gob.NewEncoder(conn)
	s.dec = gob.NewDecoder(conn)
	klog.V(1).Infof("TCPStore connected to %s", hostPort)
	return s, nil
}

// Addr returns the address the server is listening on. It is nil on clients.
func (s *TCPStore) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPStore) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed.
			return
		}
		s.handlers.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn answers requests from one client connection until it closes.
func (s *TCPStore) serveConn(conn net.Conn) {
	defer s.handlers.Done()
	defer func() { _ = conn.Close() }()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	for {
		var req storeRequest
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				klog.V(1).Infof("TCPStore connection from %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		var resp storeResponse
		switch req.Op {
		case storeOpSet:
			if err := s.backing.Set(req.Key, req.Value); err != nil {
				resp.Err = err.Error()
			}
		case storeOpGet:
			value, err := s.backing.Get(context.Background(), req.Key)
			if err != nil {
				resp.Err = err.Error()
			} else {
				resp.Value = value
			}
		case storeOpAdd:
			sum, err := s.backing.Add(context.Background(), req.Key, req.Delta)
			if err != nil {
				resp.Err = err.Error()
			} else {
				resp.Sum = sum
			}
		default:
			resp.Err = fmt.Sprintf("unknown store op %d", req.Op)
		}
		if err := enc.Encode(&resp); err != nil {
			klog.V(1).Infof("TCPStore failed to respond to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// roundTrip sends one request and waits for its response. On clients it talks to the
// server; on the server it goes straight to the backing store.
func (s *TCPStore) roundTrip(ctx context.Context, req *storeRequest) (*storeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}
	if s.broken {
		return nil, errors.New("TCPStore connection is out of step after an aborted request")
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "TCPStore failed to set connection deadline")
		}
	} else if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return nil, errors.Wrap(err, "TCPStore failed to clear connection deadline")
	}
	if err := s.enc.Encode(req); err != nil {
		s.broken = true
		return nil, errors.Wrap(err, "TCPStore failed to send request")
	}
	var resp storeResponse
	if err := s.dec.Decode(&resp); err != nil {
		s.broken = true
		return nil, errors.Wrap(err, "TCPStore failed to read response")
	}
	if resp.Err != "" {
		return nil, errors.Errorf("TCPStore: %s", resp.Err)
	}
	return &resp, nil
}

// Set stores value under key.
func (s *TCPStore) Set(key string, value []byte) error {
	if s.isServer {
		return s.backing.Set(key, value)
	}
	_, err := s.roundTrip(context.Background(), &storeRequest{Op: storeOpSet, Key: key, Value: value})
	return err
}

// Get blocks until key exists or ctx is done, and returns the value.
func (s *TCPStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.isServer {
		return s.backing.Get(ctx, key)
	}
	resp, err := s.roundTrip(ctx, &storeRequest{Op: storeOpGet, Key: key})
	if err != nil {
		return nil, errors.WithMessagef(err, "waiting for store key %q", key)
	}
	return resp.Value, nil
}

// Add atomically adds delta to the decimal integer at key and returns the new value.
func (s *TCPStore) Add(ctx context.Context, key string, delta int64) (int64, error) {
	if s.isServer {
		return s.backing.Add(ctx, key, delta)
	}
	resp, err := s.roundTrip(ctx, &storeRequest{Op: storeOpAdd, Key: key, Delta: delta})
	if err != nil {
		return 0, err
	}
	return resp.Sum, nil
}

// Close shuts the store down. On the server this closes the listener and releases any
// blocked Get from clients; on clients it closes the connection to the server.
func (s *TCPStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.isServer {
		err := s.listener.Close()
		_ = s.backing.Close()
		s.handlers.Wait()
		return err
	}
	return s.conn.Close()
}
