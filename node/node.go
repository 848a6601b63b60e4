package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/chainsync"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	"github.com/tendermint/chainsync/types"
)

// Node runs a sync engine over a transport: it turns transport traffic into
// engine events, drives the engine with a ticker and enforces request
// deadlines on its behalf.
type Node struct {
	*service.BaseService
	logger log.Logger

	config    *config.Config
	genesis   *types.Header
	store     *store.BlockStore
	engine    *chainsync.Engine
	transport *p2p.MemoryTransport
	tracker   *p2p.RequestTracker

	// only accessed by the run goroutine
	handshaked map[types.NodeID]bool
	backlog    []chainsync.Event

	metricsServer *http.Server
	cancel        context.CancelFunc
	done          chan struct{}
}

// Option sets a parameter for the node.
type Option func(*options)

type options struct {
	logger     log.Logger
	metrics    *chainsync.Metrics
	dbProvider config.DBProvider
	storeOpts  []store.Option
}

// WithLogger sets the logger of the node and its components.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics overrides the metrics selected by the instrumentation config.
func WithMetrics(metrics *chainsync.Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithDBProvider sets the provider of the block store database.
func WithDBProvider(provider config.DBProvider) Option {
	return func(o *options) { o.dbProvider = provider }
}

// WithStoreOptions passes options to the block store, such as a verifier.
func WithStoreOptions(opts ...store.Option) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// NewNode returns a node syncing over transport. The genesis block is
// derived from the chain ID of cfg.
func NewNode(cfg *config.Config, transport *p2p.MemoryTransport, opts ...Option) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}

	o := &options{
		logger:     log.NewNopLogger(),
		dbProvider: config.DefaultDBProvider,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = chainsync.NopMetrics()
		if cfg.Instrumentation.Prometheus {
			o.metrics = chainsync.PrometheusMetrics(cfg.Instrumentation.Namespace, "chain_id", cfg.ChainID)
		}
	}

	role, err := cfg.Sync.NodeRole()
	if err != nil {
		return nil, err
	}

	db, err := o.dbProvider(&config.DBContext{ID: "blockstore", Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("opening block store: %w", err)
	}

	genesis := types.NewGenesis(cfg.ChainID)
	storeOpts := append([]store.Option{store.WithLogger(o.logger.With("module", "store"))}, o.storeOpts...)
	blockStore, err := store.NewBlockStore(db, genesis, role, storeOpts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	engine, err := chainsync.NewEngine(cfg.Sync, blockStore,
		chainsync.WithLogger(o.logger.With("module", "chainsync")),
		chainsync.WithMetrics(o.metrics),
	)
	if err != nil {
		_ = blockStore.Close()
		return nil, err
	}

	n := &Node{
		logger:     o.logger,
		config:     cfg,
		genesis:    genesis,
		store:      blockStore,
		engine:     engine,
		transport:  transport,
		tracker:    p2p.NewRequestTracker(cfg.P2P),
		handshaked: map[types.NodeID]bool{},
		done:       make(chan struct{}),
	}
	n.BaseService = service.NewBaseService(o.logger, "Node", n)
	return n, nil
}

// OnStart starts the metrics server and the run loop.
func (n *Node) OnStart(ctx context.Context) error {
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.metricsServer = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	ctx, n.cancel = context.WithCancel(ctx)
	go n.run(ctx)
	return nil
}

// OnStop stops the run loop, the metrics server and closes the store. The
// transport is owned by the caller and stays open.
func (n *Node) OnStop() {
	n.cancel()
	<-n.done

	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.store.Close(); err != nil {
		n.logger.Error("error closing block store", "err", err)
	}
}

// NodeID returns the ID of the node on its transport.
func (n *Node) NodeID() types.NodeID { return n.transport.NodeID() }

// Genesis returns the genesis header of the node.
func (n *Node) Genesis() *types.Header { return n.genesis }

// BlockStore returns the block store of the node. It is safe for concurrent
// use with the running node.
func (n *Node) BlockStore() *store.BlockStore { return n.store }

// Engine returns the sync engine of the node. Its control operations and
// status accessors are safe to use while the node runs.
func (n *Node) Engine() *chainsync.Engine { return n.engine }

func (n *Node) run(ctx context.Context) {
	defer close(n.done)

	ticker := time.NewTicker(n.config.Sync.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.transport.Done():
			n.logger.Info("transport closed; stopping run loop")
			return
		case env := <-n.transport.Receive():
			n.handleEnvelope(env)
		case pu := <-n.transport.PeerUpdates():
			n.handlePeerUpdate(pu)
		case now := <-ticker.C:
			n.tick(now)
		}
	}
}

func (n *Node) handleEnvelope(env p2p.Envelope) {
	if status, ok := env.Message.(*chainsync.Status); ok {
		n.handleStatus(env.From, status)
		return
	}
	if !n.handshaked[env.From] {
		n.logger.Debug("dropping message from unknown peer", "peer", env.From, "msg", fmt.Sprintf("%T", env.Message))
		return
	}

	switch msg := env.Message.(type) {
	case p2p.Request:
	case p2p.Response:
		if !n.tracker.Complete(env.From, msg) {
			n.logger.Debug("dropping late response", "peer", env.From, "id", msg.RequestID())
			return
		}
	}
	n.deliver(chainsync.MessageReceived{From: env.From, Message: env.Message})
}

func (n *Node) handleStatus(from types.NodeID, status *chainsync.Status) {
	if status.GenesisHash != n.genesis.Hash() {
		n.logger.Error("peer is on another chain",
			"peer", from,
			"genesis", status.GenesisHash.Short(),
			"ours", n.genesis.Hash().Short())
		return
	}
	n.handshaked[from] = true
	n.deliver(chainsync.PeerConnected{
		Peer:       from,
		Role:       status.Role,
		BestHash:   status.BestHash,
		BestNumber: status.BestNumber,
	})
}

func (n *Node) handlePeerUpdate(pu p2p.PeerUpdate) {
	switch pu.Status {
	case p2p.PeerStatusUp:
		info := n.store.Info()
		err := n.transport.Send(p2p.Envelope{
			To: pu.NodeID,
			Message: &chainsync.Status{
				Role:        n.engine.Role(),
				BestHash:    info.BestHash,
				BestNumber:  info.BestNumber,
				GenesisHash: info.GenesisHash,
			},
		})
		if err != nil {
			n.logger.Error("failed to send status", "peer", pu.NodeID, "err", err)
		}

	case p2p.PeerStatusDown:
		n.tracker.RemovePeer(pu.NodeID)
		if n.handshaked[pu.NodeID] {
			delete(n.handshaked, pu.NodeID)
			n.deliver(chainsync.PeerDisconnected{Peer: pu.NodeID})
		}
	}
}

// deliver hands ev to the engine, keeping it in the backlog while the event
// queue is full so that events are never reordered or lost.
func (n *Node) deliver(ev chainsync.Event) {
	if len(n.backlog) == 0 {
		err := n.engine.Deliver(ev)
		if err == nil {
			return
		}
		if !errors.Is(err, chainsync.ErrQueueFull) {
			n.logger.Error("failed to deliver event", "event", fmt.Sprintf("%T", ev), "err", err)
			return
		}
	}
	n.backlog = append(n.backlog, ev)
}

func (n *Node) flushBacklog() {
	for len(n.backlog) > 0 {
		if err := n.engine.Deliver(n.backlog[0]); err != nil {
			return
		}
		n.backlog[0] = nil
		n.backlog = n.backlog[1:]
	}
}

func (n *Node) tick(now time.Time) {
	n.flushBacklog()

	for _, r := range n.tracker.Expire(now) {
		n.logger.Debug("request timed out", "peer", r.Peer, "id", r.ID, "class", r.Class.String())
		n.deliver(chainsync.RequestFailed{Peer: r.Peer, ID: r.ID})
	}

	for _, env := range n.engine.Tick(now) {
		req, isRequest := env.Message.(p2p.Request)
		err := n.transport.Send(env)
		switch {
		case err != nil && isRequest:
			n.logger.Debug("failed to send request", "peer", env.To, "id", req.RequestID(), "err", err)
			n.deliver(chainsync.RequestFailed{Peer: env.To, ID: req.RequestID()})
		case err != nil:
			n.logger.Debug("failed to send message", "envelope", env, "err", err)
		case isRequest:
			n.tracker.Track(env.To, req, now)
		}
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{MaxRequestsInFlight: 3},
		),
	))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}
