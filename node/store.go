package node

import (
	"sync"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/round"
	"github.com/gitzhang10/pocbft/vote"
	"github.com/hashicorp/go-hclog"
)

// CandidateSource looks up candidate headers by hash.
type CandidateSource interface {
	Candidate(hash chain.Hash) (*chain.BlockHeader, bool)
}

// RoundLookup resolves the round a finality result was reached in.
type RoundLookup interface {
	GetRound(index, startTime int64) (*round.MeetingRound, error)
}

// Certifier checks the aggregated signature a finality result carries.
type Certifier struct {
	Rounds RoundLookup
	Quorum func(memberCount int) int
}

// Verify reports whether res holds a quorum of valid signatures from the members of its round.
func (c *Certifier) Verify(res *vote.Result) error {
	mr, err := c.Rounds.GetRound(res.RoundIndex, res.RoundStartTime)
	if err != nil {
		return err
	}
	return vote.VerifyResult(mr, res, c.Quorum(mr.MemberCount()))
}

// Store appends finalized blocks to the local chain. Finality results whose header
// has not arrived yet, or whose parent is still missing, wait until they can be
// appended in height order. Results without a valid certificate are never stored.
type Store struct {
	chainID    uint16
	chain      *chain.MemChain
	candidates CandidateSource
	verify     func(*vote.Result) error
	logger     hclog.Logger

	lock    sync.Mutex
	pending map[chain.Hash]struct{}       // finalized hashes without a header
	ready   map[uint64]*chain.BlockHeader // finalized headers waiting for the parent
}

// NewStore creates a store appending to mc.
func NewStore(chainID uint16, mc *chain.MemChain, candidates CandidateSource,
	verify func(*vote.Result) error, logger hclog.Logger) *Store {
	return &Store{
		chainID:    chainID,
		chain:      mc,
		candidates: candidates,
		verify:     verify,
		logger:     logger,
		pending:    make(map[chain.Hash]struct{}),
		ready:      make(map[uint64]*chain.BlockHeader),
	}
}

// NoticeByzantineResult implements consensus.BlockNotifier.
func (s *Store) NoticeByzantineResult(chainID uint16, height uint64, empty bool, hash chain.Hash, result *vote.Result) {
	if empty || chainID != s.chainID {
		return
	}
	if result == nil || result.Height != height || result.BlockHash != hash {
		s.logger.Error("finality result does not match the notice", "height", height, "hash", hash)
		return
	}
	if err := s.verify(result); err != nil {
		s.logger.Error("finality certificate rejected", "height", height, "hash", hash, "error", err)
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	h, ok := s.candidates.Candidate(hash)
	if !ok {
		s.logger.Debug("finalized block not received yet", "height", height, "hash", hash)
		s.pending[hash] = struct{}{}
		return
	}
	s.ready[h.Height] = h
	s.flushLocked()
}

// Offer hands a received header to the store in case a result was waiting for it.
func (s *Store) Offer(h *chain.BlockHeader) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.pending[h.Hash]; !ok {
		return
	}
	delete(s.pending, h.Hash)
	s.ready[h.Height] = h
	s.flushLocked()
}

// Header returns a stored or pending header by hash.
func (s *Store) Header(hash chain.Hash) (*chain.BlockHeader, bool) {
	if h, ok := s.candidates.Candidate(hash); ok {
		return h, true
	}
	best := s.chain.BestHeader()
	for height := best.Height; ; height-- {
		h, ok := s.chain.HeaderByHeight(height)
		if ok && h.Hash == hash {
			return h, true
		}
		if height == 0 {
			return nil, false
		}
	}
}

func (s *Store) flushLocked() {
	for {
		next := s.chain.BestHeight() + 1
		h, ok := s.ready[next]
		if !ok {
			break
		}
		delete(s.ready, next)
		if err := s.chain.Append(h); err != nil {
			s.logger.Error("failed to append finalized block", "height", next, "hash", h.Hash, "error", err)
			continue
		}
		s.logger.Info("block stored", "height", next, "hash", h.Hash, "packer", h.Packer)
	}
	best := s.chain.BestHeight()
	for height := range s.ready {
		if height <= best {
			delete(s.ready, height)
		}
	}
}
