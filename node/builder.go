package node

import (
	"context"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/consensus"
	"github.com/hashicorp/go-hclog"
)

// CandidateSink accepts candidate headers for voting.
type CandidateSink interface {
	AddCandidate(ctx context.Context, h *chain.BlockHeader) error
}

// Builder is a block producer that packs empty blocks: a header on top of the
// best stored block, stamped with the end of the producing slot.
type Builder struct {
	chainID  uint16
	interval int64
	headers  chain.HeaderReader
	votes    CandidateSink
	network  chain.Network
	logger   hclog.Logger

	jobs chan consensus.ProduceJob
}

// NewBuilder creates a builder with room for a few queued jobs.
func NewBuilder(chainID uint16, interval int64, headers chain.HeaderReader, votes CandidateSink,
	network chain.Network, logger hclog.Logger) *Builder {
	return &Builder{
		chainID:  chainID,
		interval: interval,
		headers:  headers,
		votes:    votes,
		network:  network,
		logger:   logger,
		jobs:     make(chan consensus.ProduceJob, 4),
	}
}

// Produce implements consensus.BlockBuilder.
func (b *Builder) Produce(job consensus.ProduceJob) {
	select {
	case b.jobs <- job:
	default:
		b.logger.Warn("builder busy, dropping produce job", "round", job.Round.Index, "slot", job.Member.SlotIndex)
	}
}

// Run builds queued jobs until ctx is done.
func (b *Builder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-b.jobs:
			if _, err := b.build(ctx, job); err != nil {
				b.logger.Error("failed to build block", "round", job.Round.Index, "slot", job.Member.SlotIndex, "error", err)
			}
		}
	}
}

func (b *Builder) build(ctx context.Context, job consensus.ProduceJob) (*chain.BlockHeader, error) {
	best := b.headers.BestHeader()
	h := &chain.BlockHeader{
		Height:               best.Height + 1,
		PreHash:              best.Hash,
		Time:                 job.SlotStart + b.interval,
		Packer:               job.Member.Agent.PackingAddress,
		RoundIndex:           job.Round.Index,
		RoundStartTime:       job.Round.StartTime,
		PackingIndexOfRound:  job.Member.SlotIndex,
		ConsensusMemberCount: job.Round.MemberCount(),
	}
	hash, err := h.ComputeHash()
	if err != nil {
		return nil, err
	}
	h.Hash = hash

	b.network.Broadcast(b.chainID, h, "")
	if err := b.votes.AddCandidate(ctx, h); err != nil {
		return nil, err
	}
	b.logger.Debug("block produced", "height", h.Height, "hash", h.Hash, "round", h.RoundIndex,
		"slot", h.PackingIndexOfRound)
	return h, nil
}
