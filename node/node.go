/*
Package node wires one validator together: the TCP transport, the round
registry, the vote aggregator, the consensus coordinator, a block builder and
an in-memory block store.
*/
package node

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/config"
	"github.com/gitzhang10/pocbft/conn"
	"github.com/gitzhang10/pocbft/consensus"
	"github.com/gitzhang10/pocbft/round"
	"github.com/gitzhang10/pocbft/sign"
	"github.com/gitzhang10/pocbft/vote"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const metricsNamespace = "pocbft"

type Node struct {
	name    string
	chainID uint16
	conf    *config.Config
	logger  hclog.Logger

	chain   *chain.MemChain
	clock   *chain.Clock
	signer  *sign.KeySigner
	address chain.Address

	trans       *conn.NetworkTransport
	network     *Network
	registry    *round.Registry
	votes       *vote.Aggregator
	coordinator *consensus.Coordinator
	builder     *Builder
	store       *Store
}

// NewNode builds a node from conf. Collectors are registered on reg when it is not nil.
func NewNode(conf *config.Config, reg prometheus.Registerer) (*Node, error) {
	n := &Node{
		name:    conf.Name,
		chainID: conf.ChainID,
		conf:    conf,
		clock:   &chain.Clock{},
		signer:  sign.NewKeySigner(),
	}
	n.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "pocbft-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	}).With("node", conf.Name)

	address, err := n.signer.AddKey(conf.BLSKey)
	if err != nil {
		return nil, fmt.Errorf("load bls key: %w", err)
	}
	n.address = address
	if want, ok := conf.ClusterPackingAddr[conf.Name]; ok && want != address {
		return nil, fmt.Errorf("bls key controls %s, config expects %s", address, want)
	}

	c := conf.Consensus
	n.chain = chain.NewMemChain(chain.Genesis(c.GenesisTime))
	n.network = NewNetwork(conf.Name, conf.ClusterAddrWithPorts, conf.ClusterPackingAddr,
		conf.PrivateKey, conf.PublicKeyMap, n.logger.Named("net"))

	n.registry, err = round.NewRegistry(&round.RegistryConfig{
		ChainID:             conf.ChainID,
		PackingInterval:     c.PackingInterval,
		CapacityCoefficient: c.CapacityCoefficient,
		CacheSize:           c.RoundCacheSize,
		SeedAgents:          c.SeedAgents,
		LocalAddresses:      []chain.Address{address},
		Headers:             n.chain,
		Agents:              n.chain,
		Punish:              n.chain,
		Network:             n.network,
		Clock:               n.clock,
		Logger:              n.logger.Named("round"),
	})
	if err != nil {
		return nil, err
	}

	n.votes, err = vote.NewAggregator(&vote.AggregatorConfig{
		ChainID:      conf.ChainID,
		Quorum:       c.Quorum,
		ResultBuffer: c.ResultBuffer,
		Rounds:       n.registry,
		Headers:      n.chain,
		Network:      n.network,
		Signer:       n.signer,
		Metrics:      vote.NewMetrics(reg, metricsNamespace),
		Logger:       n.logger.Named("vote"),
	})
	if err != nil {
		return nil, err
	}

	cert := &Certifier{Rounds: n.registry, Quorum: c.Quorum}
	n.store = NewStore(conf.ChainID, n.chain, n.votes, cert.Verify, n.logger.Named("store"))
	n.builder = NewBuilder(conf.ChainID, c.PackingInterval, n.chain, n.votes, n.network, n.logger.Named("builder"))
	n.coordinator = consensus.NewCoordinator(&consensus.Config{
		ChainID:         conf.ChainID,
		PackingInterval: c.PackingInterval,
		VoteTimeout:     c.VoteTimeout,
		TickInterval:    c.TickInterval,
		Rounds:          n.registry,
		Votes:           n.votes,
		Headers:         n.chain,
		Builder:         n.builder,
		Notifier:        n.store,
		Clock:           n.clock,
		Metrics:         consensus.NewMetrics(reg, metricsNamespace),
		Logger:          n.logger.Named("consensus"),
	})
	return n, nil
}

// Address returns the packing address the node votes with.
func (n *Node) Address() chain.Address {
	return n.address
}

// Chain returns the node's block store.
func (n *Node) Chain() *chain.MemChain {
	return n.chain
}

// StartP2PListen starts the node's transport listener.
func (n *Node) StartP2PListen() error {
	trans, err := conn.NewTCPTransportWithLogger(":"+strconv.Itoa(n.conf.ClusterPort[n.name]), 30*time.Second,
		n.logger.Named("transport"), n.conf.MaxPool, reflectedTypesMap)
	if err != nil {
		return err
	}
	n.trans = trans
	n.network.trans = trans
	return nil
}

// EstablishP2PConns dials every peer.
func (n *Node) EstablishP2PConns() error {
	return n.network.EstablishP2PConns()
}

// Run starts the consensus loop, the message loop and the builder, and blocks until
// ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	if n.trans == nil {
		return errNoTransport
	}
	defer n.trans.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.coordinator.Run(ctx) })
	g.Go(func() error { return n.HandleMsgLoop(ctx) })
	g.Go(func() error { return n.builder.Run(ctx) })
	n.logger.Info("node started", "address", n.address, "chain", n.chainID)
	return g.Wait()
}

// HandleMsgLoop verifies and dispatches received messages until ctx is done.
func (n *Node) HandleMsgLoop(ctx context.Context) error {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-msgCh:
			n.handleEnvelope(ctx, env)
		}
	}
}

func (n *Node) handleEnvelope(ctx context.Context, env conn.Envelope) {
	if !n.network.verify(env.Sender, env.Msg, env.Sig) {
		n.logger.Error("fail to verify the message's signature", "sender", env.Sender, "tag", env.Tag)
		return
	}
	switch msg := env.Msg.(type) {
	case *vote.Message:
		if err := n.votes.AddVote(msg, env.Sender); err != nil {
			n.logger.Debug("vote dropped", "sender", env.Sender, "height", msg.Height, "slot", msg.SlotIndex, "error", err)
		}
	case *chain.BlockHeader:
		if err := n.votes.AddCandidate(ctx, msg); err != nil {
			n.logger.Debug("candidate dropped", "sender", env.Sender, "height", msg.Height, "error", err)
		}
		n.store.Offer(msg)
	case *BlockRequest:
		if msg.ChainID != n.chainID {
			return
		}
		h, ok := n.store.Header(msg.Hash)
		if !ok {
			return
		}
		if err := n.network.SendTo(env.Sender, h); err != nil {
			n.logger.Debug("failed to answer block request", "receiver", env.Sender, "error", err)
		}
	}
}
