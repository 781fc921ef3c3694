package distributed

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProtocolVersion is the newest wire protocol this build speaks. Each rank announces
// its version during rendezvous and the group adopts the minimum across ranks.
// ReduceScatter framing was introduced in version 2.
const ProtocolVersion = 2

// DefaultTimeout bounds the rendezvous and peer dials when WithTimeout is not given.
const DefaultTimeout = 5 * time.Minute

// rankInfo is what each rank publishes to the store during rendezvous.
type rankInfo struct {
	Addr     string
	Protocol int
}

// hello is the first frame on a freshly dialed peer connection, identifying the dialer.
type hello struct {
	Rank    int
	Session string
}

// peerConn is one direction of traffic with a peer: ranks send on connections they
// dialed and receive on connections they accepted, so the gob stream on each connection
// flows one way only.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// withContext runs fn, an operation on the connection, honoring ctx: its deadline is
// installed on the connection, and cancellation aborts a blocked read or write.
func (p *peerConn) withContext(ctx context.Context, fn func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetDeadline(deadline)
	} else {
		_ = p.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetDeadline(time.Now())
	})
	defer stop()
	err := fn()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// ProcessGroup connects this rank to its peers for collective operations.
//
// Groups are created by every participating rank with NewProcessGroup, or via
// InitFromEnv which also installs the result as the package default group. All ranks
// must enter the same collective operations in the same order; within one group
// collectives must not run concurrently with each other.
type ProcessGroup struct {
	store     Store
	ownsStore bool

	rank     int
	world    int
	session  string
	protocol int
	timeout  time.Duration
	algo     Algo

	listener net.Listener
	addrs    []string // Listen address of every rank, indexed by rank.

	// Outgoing connections, lazily dialed. dialMu makes each peer be dialed at most once.
	dialMu   sync.Mutex
	outgoing xsync.SyncMap[int, *peerConn]

	// Incoming connections, registered by the accept loop once the dialer's hello frame
	// arrives. pending holds accepted connections still waiting for their hello.
	incomingMu   sync.Mutex
	incomingCond *sync.Cond
	incoming     map[int]*peerConn
	pending      map[net.Conn]struct{}

	inflight *xsync.DynamicWaitGroup // Accept-loop handler goroutines.

	barrierSeq atomic.Int64

	closed    *xsync.Latch
	closeOnce sync.Once
	closeErr  error
}

// GroupOption configures NewProcessGroup.
type GroupOption func(*groupOptions)

type groupOptions struct {
	listenAddr string
	session    string
	timeout    time.Duration
	protocol   int
	algo       Algo
}

// WithListenAddress sets the host:port this rank listens on for peer connections.
// The default "127.0.0.1:0" picks a free port on the loopback interface, which works
// for multi-process training on a single machine; spanning hosts needs a routable
// address here.
func WithListenAddress(addr string) GroupOption {
	return func(o *groupOptions) { o.listenAddr = addr }
}

// WithSession sets the rendezvous session id, which namespaces all store keys of this
// group. When unset, rank 0 generates a UUID and publishes it through the store, so the
// store must be fresh for this run; pass an explicit session to share a store across
// several groups.
func WithSession(session string) GroupOption {
	return func(o *groupOptions) { o.session = session }
}

// WithTimeout bounds the rendezvous and the dialing of peers. Default is DefaultTimeout.
func WithTimeout(timeout time.Duration) GroupOption {
	return func(o *groupOptions) { o.timeout = timeout }
}

// WithProtocolVersion overrides the protocol version this rank announces during
// rendezvous. The default is ProtocolVersion; lower values are meant for tests.
func WithProtocolVersion(version int) GroupOption {
	return func(o *groupOptions) { o.protocol = version }
}

// WithAllReduceAlgo sets the all-reduce algorithm the group reports through
// AllReduceAlgo, the one callers should use when they have no preference of their own.
// InitFromEnv sets it from TNT_ALLREDUCE_ALGO; the default is AlgoAuto.
func WithAllReduceAlgo(algo Algo) GroupOption {
	return func(o *groupOptions) { o.algo = algo }
}

func sessionKey() string { return "tnt/session" }

func rankKey(session string, rank int) string {
	return fmt.Sprintf("tnt/%s/rank/%d", session, rank)
}

func barrierKey(session string, seq int64, part string) string {
	return fmt.Sprintf("tnt/%s/barrier/%d/%s", session, seq, part)
}

// NewProcessGroup performs the rendezvous: it starts a listener for peer connections,
// publishes this rank's address and protocol version in the store, and blocks until all
// worldSize ranks have done the same. Every participating process must call it with the
// same store endpoint and world size.
//
// A world size of 1 yields a fully functional group that skips the listener and the
// store: collectives on it are no-ops or return the input.
func NewProcessGroup(ctx context.Context, store Store, rank, worldSize int, opts ...GroupOption) (*ProcessGroup, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("world size must be >= 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank must be in [0, %d), got %d", worldSize, rank)
	}
	options := groupOptions{
		listenAddr: "127.0.0.1:0",
		timeout:    DefaultTimeout,
		protocol:   ProtocolVersion,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.protocol < 1 {
		return nil, errors.Errorf("protocol version must be >= 1, got %d", options.protocol)
	}

	g := &ProcessGroup{
		store:    store,
		rank:     rank,
		world:    worldSize,
		session:  options.session,
		protocol: options.protocol,
		timeout:  options.timeout,
		algo:     options.algo,
		incoming: make(map[int]*peerConn),
		pending:  make(map[net.Conn]struct{}),
		inflight: xsync.NewDynamicWaitGroup(),
		closed:   xsync.NewLatch(),
	}
	g.incomingCond = sync.NewCond(&g.incomingMu)

	if worldSize == 1 {
		if g.session == "" {
			g.session = uuid.NewString()
		}
		return g, nil
	}
	if store == nil {
		return nil, errors.Errorf("a store is required to rendezvous %d ranks", worldSize)
	}

	ctx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	// Session negotiation: rank 0 decides, everyone else follows.
	if g.session == "" {
		if rank == 0 {
			g.session = uuid.NewString()
			if err := store.Set(sessionKey(), []byte(g.session)); err != nil {
				return nil, errors.WithMessage(err, "publishing session id")
			}
		} else {
			raw, err := store.Get(ctx, sessionKey())
			if err != nil {
				return nil, errors.WithMessage(err, "waiting for session id from rank 0")
			}
			g.session = string(raw)
		}
	}

	listener, err := net.Listen("tcp", options.listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to listen on %s", rank, options.listenAddr)
	}
	g.listener = listener
	go g.acceptLoop()

	// Publish this rank, then collect everyone's address and protocol version.
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rankInfo{Addr: listener.Addr().String(), Protocol: options.protocol}); err != nil {
		_ = listener.Close()
		return nil, errors.Wrap(err, "encoding rank info")
	}
	if err := store.Set(rankKey(g.session, rank), buf.Bytes()); err != nil {
		_ = listener.Close()
		return nil, errors.WithMessagef(err, "registering rank %d", rank)
	}
	g.addrs = make([]string, worldSize)
	for r := range worldSize {
		raw, err := store.Get(ctx, rankKey(g.session, r))
		if err != nil {
			_ = listener.Close()
			return nil, errors.WithMessagef(err, "rank %d waiting for rank %d to join session %s", rank, r, g.session)
		}
		var info rankInfo
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&info); err != nil {
			_ = listener.Close()
			return nil, errors.Wrapf(err, "decoding rank %d info", r)
		}
		g.addrs[r] = info.Addr
		g.protocol = min(g.protocol, info.Protocol)
	}
	klog.V(1).Infof("rank %d of %d joined session %s at %s (protocol %d)",
		rank, worldSize, g.session, listener.Addr(), g.protocol)
	return g, nil
}

// Rank of this process in the group, in [0, World()).
func (g *ProcessGroup) Rank() int { return g.rank }

// World returns the number of ranks in the group.
func (g *ProcessGroup) World() int { return g.world }

// Session returns the id namespacing this group's store keys.
func (g *ProcessGroup) Session() string { return g.session }

// ProtocolVersion returns the minimum protocol version negotiated across all ranks.
func (g *ProcessGroup) ProtocolVersion() int { return g.protocol }

// AllReduceAlgo returns the all-reduce algorithm configured for this group, the one to
// pass to AllReduce when the caller has no preference of its own.
func (g *ProcessGroup) AllReduceAlgo() Algo { return g.algo }

func (g *ProcessGroup) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			// Listener closed.
			return
		}
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			g.handleIncoming(conn)
		}()
	}
}

// handleIncoming reads the dialer's hello frame and registers the connection under its
// rank, making it available to recvTensor.
func (g *ProcessGroup) handleIncoming(conn net.Conn) {
	g.incomingMu.Lock()
	g.pending[conn] = struct{}{}
	g.incomingMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(g.timeout))
	dec := gob.NewDecoder(conn)
	var h hello
	if err := dec.Decode(&h); err != nil {
		klog.V(1).Infof("rank %d dropping connection from %s: %v", g.rank, conn.RemoteAddr(), err)
		g.dropPending(conn)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if h.Session != g.session || h.Rank < 0 || h.Rank >= g.world || h.Rank == g.rank {
		klog.Warningf("rank %d rejecting connection from %s claiming rank %d session %q",
			g.rank, conn.RemoteAddr(), h.Rank, h.Session)
		g.dropPending(conn)
		return
	}

	g.incomingMu.Lock()
	delete(g.pending, conn)
	if old := g.incoming[h.Rank]; old != nil {
		_ = old.conn.Close()
	}
	g.incoming[h.Rank] = &peerConn{conn: conn, dec: dec}
	g.incomingCond.Broadcast()
	g.incomingMu.Unlock()
}

func (g *ProcessGroup) dropPending(conn net.Conn) {
	g.incomingMu.Lock()
	delete(g.pending, conn)
	g.incomingMu.Unlock()
	_ = conn.Close()
}

// outgoingConn returns the connection to peer, dialing it on first use.
func (g *ProcessGroup) outgoingConn(peer int) (*peerConn, error) {
	if pc, found := g.outgoing.Load(peer); found {
		return pc, nil
	}
	g.dialMu.Lock()
	defer g.dialMu.Unlock()
	if pc, found := g.outgoing.Load(peer); found {
		return pc, nil
	}
	if g.closed.Test() {
		return nil, errors.New("process group is closed")
	}
	conn, err := net.DialTimeout("tcp", g.addrs[peer], g.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to connect to rank %d at %s", g.rank, peer, g.addrs[peer])
	}
	pc := &peerConn{conn: conn, enc: gob.NewEncoder(conn)}
	if err := pc.enc.Encode(&hello{Rank: g.rank, Session: g.session}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "rank %d failed to introduce itself to rank %d", g.rank, peer)
	}
	g.outgoing.Store(peer, pc)
	return pc, nil
}

// incomingConn blocks until peer has dialed us, or ctx is done, or the group closes.
func (g *ProcessGroup) incomingConn(ctx context.Context, peer int) (*peerConn, error) {
	stop := context.AfterFunc(ctx, func() {
		g.incomingMu.Lock()
		g.incomingCond.Broadcast()
		g.incomingMu.Unlock()
	})
	defer stop()

	g.incomingMu.Lock()
	defer g.incomingMu.Unlock()
	for {
		if pc := g.incoming[peer]; pc != nil {
			return pc, nil
		}
		if g.closed.Test() {
			return nil, errors.New("process group is closed")
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "rank %d waiting for connection from rank %d", g.rank, peer)
		}
		g.incomingCond.Wait()
	}
}

// checkPeer validates a peer rank for point-to-point operations.
func (g *ProcessGroup) checkPeer(peer int) error {
	if peer < 0 || peer >= g.world {
		return errors.Errorf("invalid peer rank %d, world size is %d", peer, g.world)
	}
	if peer == g.rank {
		return errors.Errorf("rank %d cannot send to or receive from itself", g.rank)
	}
	return nil
}

// sendTensor writes t as one frame on the connection to peer.
func (g *ProcessGroup) sendTensor(ctx context.Context, peer int, t *tensors.Tensor) error {
	pc, err := g.outgoingConn(peer)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	err = pc.withContext(ctx, func() error {
		return t.GobSerialize(pc.enc)
	})
	if err != nil {
		return errors.WithMessagef(err, "rank %d sending tensor to rank %d", g.rank, peer)
	}
	return nil
}

// recvTensor reads one tensor frame from the connection dialed by peer.
func (g *ProcessGroup) recvTensor(ctx context.Context, peer int) (*tensors.Tensor, error) {
	pc, err := g.incomingConn(ctx, peer)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	var t *tensors.Tensor
	err = pc.withContext(ctx, func() error {
		var err error
		t, err = tensors.GobDeserialize(pc.dec)
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d receiving tensor from rank %d", g.rank, peer)
	}
	return t, nil
}

// Close tears down the group: it stops the listener, closes all peer connections and,
// for groups created by InitFromEnv, the store. Close is idempotent.
func (g *ProcessGroup) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Trigger()
		if g.listener != nil {
			g.closeErr = g.listener.Close()
		}
		g.outgoing.Range(func(_ int, pc *peerConn) bool {
			_ = pc.conn.Close()
			return true
		})
		g.incomingMu.Lock()
		for _, pc := range g.incoming {
			_ = pc.conn.Close()
		}
		for conn := range g.pending {
			_ = conn.Close()
		}
		g.incomingCond.Broadcast()
		g.incomingMu.Unlock()
		g.inflight.Wait()
		if g.ownsStore {
			if err := g.store.Close(); g.closeErr == nil {
				g.closeErr = err
			}
		}
		klog.V(1).Infof("rank %d left session %s", g.rank, g.session)
	})
	return g.closeErr
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
