package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/frand"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/node"
	"github.com/tendermint/chainsync/types"
)

// Simulation describes an in-memory network where node 0 holds the
// canonical chain and every other node syncs it.
type Simulation struct {
	// Number of nodes, node 0 included.
	Nodes int
	// The last Light nodes are light nodes.
	Light int
	// Length of the canonical chain.
	Blocks int
	// Even numbered full nodes start on a private fork leaving the
	// canonical chain ForkDepth blocks below its tip.
	ForkDepth int
	// Finalize the tip on node 0 and have every node fetch its
	// justification.
	Finalize bool
	// PollInterval is how often the nodes are checked for completion.
	PollInterval time.Duration
}

// DefaultSimulation returns the simulation run by default.
func DefaultSimulation() Simulation {
	return Simulation{
		Nodes:        4,
		Light:        1,
		Blocks:       500,
		ForkDepth:    8,
		Finalize:     true,
		PollInterval: 50 * time.Millisecond,
	}
}

// ValidateBasic checks the simulation parameters.
func (s Simulation) ValidateBasic() error {
	switch {
	case s.Nodes < 2:
		return errors.New("at least 2 nodes are needed")
	case s.Light < 0 || s.Light >= s.Nodes:
		return errors.New("light nodes must be fewer than nodes")
	case s.Blocks < 1:
		return errors.New("at least 1 block is needed")
	case s.ForkDepth < 0 || s.ForkDepth >= s.Blocks:
		return errors.New("fork depth must be positive and below the number of blocks")
	case s.ForkDepth == 1:
		return errors.New("fork depth must be 0 or at least 2")
	case s.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	}
	return nil
}

// NodeReport is the state of a node at the end of a simulation.
type NodeReport struct {
	ID              types.NodeID
	Role            types.Role
	BestNumber      int64
	BestHash        types.Hash
	FinalizedNumber int64
	Status          string
	Peers           int
	Synced          bool
}

// MakeSimulateCommand returns the command running a Simulation.
func MakeSimulateCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	sim := DefaultSimulation()
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Sync an in-memory network of nodes from a single block producer",
		Long: `simulate starts --nodes nodes connected over an in-memory network. Node 0
holds a chain of --blocks blocks and all other nodes sync it. Even numbered
full nodes start on a private fork they have to abandon.

Only node 0 serves Prometheus metrics when instrumentation is enabled.

Example:

	chainsync simulate --nodes 8 --light 2 --blocks 2000 --fork-depth 16
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			reports, err := sim.Run(ctx, conf, logger)
			if reports != nil {
				if werr := writeReports(cmd.OutOrStdout(), reports); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}

	cmd.Flags().IntVar(&sim.Nodes, "nodes", sim.Nodes, "Number of nodes, the block producer included")
	cmd.Flags().IntVar(&sim.Light, "light", sim.Light, "Number of light nodes")
	cmd.Flags().IntVar(&sim.Blocks, "blocks", sim.Blocks, "Length of the chain to sync")
	cmd.Flags().IntVar(&sim.ForkDepth, "fork-depth", sim.ForkDepth, "Depth at which forked nodes leave the chain (0 disables forks)")
	cmd.Flags().BoolVar(&sim.Finalize, "finalize", sim.Finalize, "Finalize the tip and sync its justification")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long")
	return cmd
}

// Run builds the network described by s from the base config and blocks
// until every node synced or ctx is done. Reports are returned in both cases.
func (s Simulation) Run(ctx context.Context, base *config.Config, logger log.Logger) ([]NodeReport, error) {
	if err := s.ValidateBasic(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger = logger.With("run", runID)
	logger.Info("starting simulation", "nodes", s.Nodes, "light", s.Light, "blocks", s.Blocks, "fork_depth", s.ForkDepth)

	network := p2p.NewMemoryNetwork(logger, base.P2P.RecvBufferSize)
	genesis := types.NewGenesis(base.ChainID)
	chain := buildChain(genesis, s.Blocks, nil)
	tip := chain[len(chain)-1].Header

	nodes := make([]*node.Node, 0, s.Nodes)
	defer func() {
		for _, n := range nodes {
			if n.IsRunning() {
				if err := n.Stop(); err != nil {
					logger.Error("failed to stop node", "node", n.NodeID(), "err", err)
				}
			}
		}
	}()

	for i := 0; i < s.Nodes; i++ {
		cfg := s.nodeConfig(base, i)
		transport, err := network.CreateTransport(cfg.NodeID())
		if err != nil {
			return nil, err
		}
		n, err := node.NewNode(cfg, transport, node.WithLogger(logger.With("node", cfg.Moniker)))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", cfg.Moniker, err)
		}
		nodes = append(nodes, n)

		if err := s.seed(n, i, chain); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", cfg.Moniker, err)
		}
	}

	if s.Finalize {
		justification := frand.Bytes(32)
		if err := nodes[0].BlockStore().FinalizeBlock(types.BlockHash(tip.Hash()), justification, false); err != nil {
			return nil, err
		}
	}

	for _, n := range nodes {
		if err := n.Start(ctx); err != nil {
			return nil, err
		}
	}
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			if err := network.Connect(nodes[i].NodeID(), nodes[j].NodeID()); err != nil {
				return nil, err
			}
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes[1:] {
		n := n
		g.Go(func() error { return s.waitForSync(gctx, n, tip) })
	}
	err := g.Wait()
	if err == nil {
		logger.Info("simulation complete", "took", time.Since(start))
	}

	reports := make([]NodeReport, 0, len(nodes))
	for _, n := range nodes {
		reports = append(reports, s.report(n, tip))
	}
	return reports, err
}

func (s Simulation) nodeConfig(base *config.Config, i int) *config.Config {
	cfg := *base
	syncCfg, p2pCfg, instr := *base.Sync, *base.P2P, *base.Instrumentation
	cfg.Sync, cfg.P2P, cfg.Instrumentation = &syncCfg, &p2pCfg, &instr

	cfg.Moniker = fmt.Sprintf("node%02d", i)
	cfg.DBBackend = "memdb"
	cfg.Sync.Role = types.RoleFull.String()
	if i >= s.Nodes-s.Light {
		cfg.Sync.Role = types.RoleLight.String()
	}
	// metrics register globally, so only one node may export them
	cfg.Instrumentation.Prometheus = base.Instrumentation.Prometheus && i == 0
	return &cfg
}

// seed imports the initial chain of node i: the whole chain for the
// producer, a salted fork for even numbered full nodes and nothing for the
// others.
func (s Simulation) seed(n *node.Node, i int, chain []*types.Block) error {
	switch {
	case i == 0:
		return importBlocks(n, chain)
	case s.ForkDepth == 0 || i%2 != 0 || n.Engine().Role().IsLight():
		return nil
	}

	prefix := chain[:len(chain)-s.ForkDepth]
	parent := n.Genesis()
	if len(prefix) > 0 {
		parent = prefix[len(prefix)-1].Header
	}
	if err := importBlocks(n, prefix); err != nil {
		return err
	}
	return importBlocks(n, buildChain(parent, s.ForkDepth-1, frand.Bytes(8)))
}

func (s Simulation) waitForSync(ctx context.Context, n *node.Node, tip *types.Header) error {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	requested := false
	for {
		info := n.BlockStore().Info()
		synced := info.BestHash == tip.Hash()
		switch {
		case synced && !s.Finalize:
			return nil
		case synced && info.FinalizedNumber >= tip.Number:
			return nil
		case synced && !requested:
			// a full queue is retried on the next poll
			requested = n.Engine().RequestJustification(tip.Hash(), tip.Number) == nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%v: %w (best #%d, finalized #%d)", n.NodeID(), ctx.Err(), info.BestNumber, info.FinalizedNumber)
		case <-ticker.C:
		}
	}
}

func (s Simulation) report(n *node.Node, tip *types.Header) NodeReport {
	info := n.BlockStore().Info()
	snap := n.Engine().Snapshot()
	synced := info.BestHash == tip.Hash()
	if s.Finalize {
		synced = synced && info.FinalizedNumber >= tip.Number
	}
	return NodeReport{
		ID:              n.NodeID(),
		Role:            n.Engine().Role(),
		BestNumber:      info.BestNumber,
		BestHash:        info.BestHash,
		FinalizedNumber: info.FinalizedNumber,
		Status:          snap.Status.String(),
		Peers:           len(snap.Peers),
		Synced:          synced,
	}
}

func writeReports(w io.Writer, reports []NodeReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tROLE\tBEST\tHASH\tFINALIZED\tSTATUS\tPEERS\tSYNCED")
	for _, r := range reports {
		fmt.Fprintf(tw, "%v\t%v\t%d\t%v\t%d\t%s\t%d\t%t\n",
			r.ID, r.Role, r.BestNumber, r.BestHash.Short(), r.FinalizedNumber, r.Status, r.Peers, r.Synced)
	}
	return tw.Flush()
}

// buildChain returns n blocks on top of parent, each carrying a random
// transaction. A non-nil salt makes the blocks differ from any other chain
// built on the same parent.
func buildChain(parent *types.Header, n int, salt []byte) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		h := &types.Header{
			Number:     parent.Number + 1,
			ParentHash: parent.Hash(),
			Extra:      salt,
		}
		blocks = append(blocks, &types.Block{
			Header: h,
			Body:   &types.Body{Txs: [][]byte{frand.Bytes(32)}},
		})
		parent = h
	}
	return blocks
}

func importBlocks(n *node.Node, blocks []*types.Block) error {
	light := n.Engine().Role().IsLight()
	for _, b := range blocks {
		if light {
			b = &types.Block{Header: b.Header}
		}
		res, err := n.BlockStore().ImportBlock(b)
		if err != nil {
			return err
		}
		if !res.IsSuccess() {
			return fmt.Errorf("importing %v: %v", b, res)
		}
	}
	return nil
}
