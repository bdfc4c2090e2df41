package vote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/round"
	"github.com/gitzhang10/pocbft/sign"
	"github.com/google/btree"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
)

var (
	ErrBadStage          = errors.New("vote stage must be 1 or 2")
	ErrHeightOutOfWindow = errors.New("vote height outside the accepted window")
	ErrRoundOutOfWindow  = errors.New("round outside the accepted window")
	ErrNotMember         = errors.New("signer is not a member of the round")
	ErrBadSlot           = errors.New("slot outside the round")
	ErrBadSignature      = errors.New("vote signature does not verify")
	ErrWrongProducer     = errors.New("candidate packed by a member not scheduled for the slot")
	ErrBadCandidate      = errors.New("candidate header is inconsistent")
)

const (
	defaultDedupSize  = 100
	signResultsCached = 64
	bucketTreeDegree  = 8
)

// RoundSource resolves the round a vote refers to.
type RoundSource interface {
	CurrentRound() *round.MeetingRound
	GetRound(index, startTime int64) (*round.MeetingRound, error)
}

// AggregatorConfig encapsulates the parameters and collaborators of an Aggregator.
type AggregatorConfig struct {
	ChainID      uint16
	Quorum       func(memberCount int) int
	ResultBuffer int
	DedupSize    int

	Rounds  RoundSource
	Headers chain.HeaderReader
	Network chain.Network
	Signer  chain.Signer

	Metrics *Metrics
	Logger  hclog.Logger
}

type candidateKey struct {
	height     uint64
	roundIndex int64
	slot       int
}

// Aggregator is the vote pipeline of one chain.
// It is written concurrently by the network receive path and by local loopback.
type Aggregator struct {
	chainID uint16
	quorum  func(int) int

	rounds  RoundSource
	headers chain.HeaderReader
	network chain.Network
	signer  chain.Signer
	metrics *Metrics
	logger  hclog.Logger

	lock        sync.Mutex
	buckets     *btree.BTreeG[*heightBucket]
	candidates  map[candidateKey]*chain.BlockHeader
	byHash      map[chain.Hash]*chain.BlockHeader
	signResults *lru.Cache // height -> *Result

	seen    *lru.Cache // message ID -> struct{}
	results chan *Result
}

// NewAggregator creates an aggregator from its config.
func NewAggregator(config *AggregatorConfig) (*Aggregator, error) {
	if config.DedupSize <= 0 {
		config.DedupSize = defaultDedupSize
	}
	if config.ResultBuffer <= 0 {
		config.ResultBuffer = 1
	}
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "vote-aggregator",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(nil, "")
	}
	seen, err := lru.New(config.DedupSize)
	if err != nil {
		return nil, err
	}
	signResults, err := lru.New(signResultsCached)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		chainID:     config.ChainID,
		quorum:      config.Quorum,
		rounds:      config.Rounds,
		headers:     config.Headers,
		network:     config.Network,
		signer:      config.Signer,
		metrics:     config.Metrics,
		logger:      config.Logger,
		buckets:     btree.NewG(bucketTreeDegree, lessBucket),
		candidates:  make(map[candidateKey]*chain.BlockHeader),
		byHash:      make(map[chain.Hash]*chain.BlockHeader),
		signResults: signResults,
		seen:        seen,
		results:     make(chan *Result, config.ResultBuffer),
	}, nil
}

// Results is the channel finality results are delivered on. The coordinator is its only reader.
func (a *Aggregator) Results() <-chan *Result {
	return a.results
}

func (a *Aggregator) drop(reason string, err error) error {
	a.metrics.VotesDropped.WithLabelValues(reason).Inc()
	return err
}

// AddVote validates msg and counts it into its target's summary.
// fromNode names the peer that delivered it and is empty for local votes.
// Rejected votes return an error and change nothing.
func (a *Aggregator) AddVote(msg *Message, fromNode string) error {
	if !msg.Stage.valid() {
		return a.drop("stage", ErrBadStage)
	}
	best := a.headers.BestHeader()
	if best == nil || msg.Height < best.Height+1 || msg.Height > best.Height+2 {
		return a.drop("height", ErrHeightOutOfWindow)
	}
	if !a.roundInWindow(best, msg.RoundIndex, msg.RoundStartTime) {
		return a.drop("round", ErrRoundOutOfWindow)
	}
	// the signature is checked against the key the vote carries before any round is
	// rebuilt for it; membership of that key is checked next
	hash, err := msg.Ballot.SignHash()
	if err != nil {
		return a.drop("encode", err)
	}
	if err := sign.VerifyBLS(msg.Signer, hash, msg.Signature); err != nil {
		return a.drop("signature", fmt.Errorf("%w: %v", ErrBadSignature, err))
	}
	r, err := a.rounds.GetRound(msg.RoundIndex, msg.RoundStartTime)
	if err != nil {
		return a.drop("round", fmt.Errorf("resolve round %d: %w", msg.RoundIndex, err))
	}
	if msg.SlotIndex < 1 || msg.SlotIndex > r.MemberCount() {
		return a.drop("slot", ErrBadSlot)
	}
	member, ok := r.Member(msg.SignerAddress())
	if !ok || !bytes.Equal(member.Agent.PubKey, msg.Signer) {
		return a.drop("member", ErrNotMember)
	}

	var (
		confirm *Ballot
		result  *Result
	)
	target := msg.Target()
	quorum := uint(a.quorum(r.MemberCount()))

	a.lock.Lock()
	s := a.summaryLocked(target)
	added, support := s.add(msg.Stage, uint(member.SlotIndex-1), msg.BlockHash, msg.Signature)
	if added && support >= quorum {
		switch msg.Stage {
		case StagePreVote:
			confirm = a.confirmLocked(s, msg.BlockHash)
		case StageConfirm:
			if !s.resultEmitted {
				s.resultEmitted = true
				result = a.resultLocked(r, s, msg.BlockHash)
			}
		}
	}
	unknown := !msg.BlockHash.IsEmpty() && !a.knownLocked(msg.BlockHash)
	a.lock.Unlock()

	if !added {
		a.metrics.VotesDuplicate.Inc()
		return nil
	}
	a.metrics.VotesAccepted.WithLabelValues(stageLabel(msg.Stage)).Inc()
	a.logger.Trace("vote counted", "height", msg.Height, "round", msg.RoundIndex, "slot", msg.SlotIndex,
		"voteRound", msg.VoteRoundIndex, "stage", msg.Stage, "hash", msg.BlockHash, "support", support)

	if fromNode != "" {
		if unknown {
			a.network.RequestBlock(a.chainID, fromNode, msg.BlockHash)
		}
		a.BroadcastVote(msg, fromNode)
	}
	if confirm != nil {
		a.castConfirm(r, confirm)
	}
	if result != nil {
		a.deliver(result)
	}
	return nil
}

// roundInWindow bounds the rounds a vote or candidate may name: not before the round
// of the best block and at most one past the live round.
func (a *Aggregator) roundInWindow(best *chain.BlockHeader, index, startTime int64) bool {
	if startTime <= 0 || index < best.RoundIndex {
		return false
	}
	live := best.RoundIndex
	if cur := a.rounds.CurrentRound(); cur != nil && cur.Index > live {
		live = cur.Index
	}
	return index <= live+1
}

func (a *Aggregator) summaryLocked(target Target) *summary {
	hb, ok := a.buckets.Get(&heightBucket{height: target.Height})
	if !ok {
		hb = &heightBucket{height: target.Height, targets: make(map[Target]*summary)}
		a.buckets.ReplaceOrInsert(hb)
	}
	s, ok := hb.targets[target]
	if !ok {
		s = newSummary(target)
		hb.targets[target] = s
	}
	return s
}

func (a *Aggregator) knownLocked(hash chain.Hash) bool {
	if _, ok := a.byHash[hash]; ok {
		return true
	}
	return a.headers.HasBlock(hash)
}

// confirmLocked decides whether a pre-vote quorum on hash lets the local node confirm.
// A block we have not seen yet is remembered and confirmed once it arrives.
func (a *Aggregator) confirmLocked(s *summary, hash chain.Hash) *Ballot {
	if s.confirmSent {
		return nil
	}
	if !hash.IsEmpty() && !a.knownLocked(hash) {
		h := hash
		s.pendingConfirm = &h
		return nil
	}
	s.confirmSent = true
	s.pendingConfirm = nil
	return &Ballot{
		Height:         s.target.Height,
		RoundIndex:     s.target.RoundIndex,
		RoundStartTime: s.target.RoundStartTime,
		SlotIndex:      s.target.SlotIndex,
		VoteRoundIndex: s.target.VoteRoundIndex,
		Stage:          StageConfirm,
		BlockHash:      hash,
	}
}

func (a *Aggregator) resultLocked(r *round.MeetingRound, s *summary, hash chain.Hash) *Result {
	signers, sigs := s.signatures(StageConfirm, hash)
	agg, err := sign.AggregateBLS(roster(r), positions(signers), sigs)
	if err != nil {
		a.logger.Error("failed to aggregate signatures", "height", s.target.Height, "error", err)
		s.resultEmitted = false
		return nil
	}
	return &Result{
		Height:         s.target.Height,
		RoundIndex:     s.target.RoundIndex,
		RoundStartTime: s.target.RoundStartTime,
		SlotIndex:      s.target.SlotIndex,
		VoteRoundIndex: s.target.VoteRoundIndex,
		Stage:          StageConfirm,
		BlockHash:      hash,
		Signers:        signers.Bytes(),
		Signature:      agg,
	}
}

// castConfirm signs the local stage-2 vote, if this node is a member of the round.
func (a *Aggregator) castConfirm(r *round.MeetingRound, b *Ballot) {
	if r.LocalMember == nil {
		return
	}
	if _, err := a.CastVote(context.Background(), *b, r.LocalMember.Agent.PackingAddress); err != nil {
		a.logger.Error("failed to cast confirm vote", "height", b.Height, "slot", b.SlotIndex, "error", err)
	}
}

// deliver hands a result to the coordinator without ever blocking the vote path.
func (a *Aggregator) deliver(r *Result) {
	outcome := "block"
	if r.IsEmpty() {
		outcome = "empty"
	}
	select {
	case a.results <- r:
		a.metrics.Results.WithLabelValues(outcome).Inc()
		a.logger.Debug("byzantine quorum reached", "height", r.Height, "round", r.RoundIndex,
			"slot", r.SlotIndex, "voteRound", r.VoteRoundIndex, "hash", r.BlockHash)
	default:
		a.metrics.Results.WithLabelValues("dropped").Inc()
		a.logger.Warn("result channel full, dropping result", "height", r.Height, "slot", r.SlotIndex)
	}
}

// BroadcastVote gossips msg to the network unless it was recently seen.
func (a *Aggregator) BroadcastVote(msg *Message, excludeNode string) bool {
	id, err := msg.ID()
	if err != nil {
		return false
	}
	if seen, _ := a.seen.ContainsOrAdd(id, struct{}{}); seen {
		return false
	}
	a.metrics.Rebroadcasts.Inc()
	return a.network.Broadcast(a.chainID, msg, excludeNode)
}

// CastVote signs b with address, broadcasts it and counts it locally.
func (a *Aggregator) CastVote(ctx context.Context, b Ballot, address chain.Address) (*Message, error) {
	pub, ok := a.signer.PublicKey(address)
	if !ok {
		return nil, fmt.Errorf("%w: no key for %s", chain.ErrSigning, address)
	}
	hash, err := b.SignHash()
	if err != nil {
		return nil, err
	}
	sig, err := a.signer.Sign(ctx, address, hash)
	if err != nil {
		return nil, err
	}
	msg := &Message{Ballot: b, Signer: pub, Signature: sig}
	a.BroadcastVote(msg, "")
	if err := a.AddVote(msg, ""); err != nil {
		return msg, err
	}
	return msg, nil
}

// StartNextVoteRound re-votes a slot after a timeout: a pre-vote for the best known
// candidate, or EMPTY, under the next vote round. It returns that vote round.
func (a *Aggregator) StartNextVoteRound(ctx context.Context, height uint64, roundIndex int64, slot int,
	roundStartTime, voteRound int64, address chain.Address) (int64, error) {
	next := voteRound + 1
	hash := chain.EmptyHash
	a.lock.Lock()
	if c, ok := a.candidates[candidateKey{height: height, roundIndex: roundIndex, slot: slot}]; ok {
		hash = c.Hash
	}
	a.lock.Unlock()

	_, err := a.CastVote(ctx, Ballot{
		Height:         height,
		RoundIndex:     roundIndex,
		RoundStartTime: roundStartTime,
		SlotIndex:      slot,
		VoteRoundIndex: next,
		Stage:          StagePreVote,
		BlockHash:      hash,
	}, address)
	if err != nil {
		return voteRound, err
	}
	a.logger.Debug("next vote round started", "height", height, "round", roundIndex, "slot", slot,
		"voteRound", next, "hash", hash)
	return next, nil
}

// AddCandidate records a candidate block header, pre-votes for it when this node is a
// member of its round and releases confirm votes that were waiting for the block.
func (a *Aggregator) AddCandidate(ctx context.Context, h *chain.BlockHeader) error {
	best := a.headers.BestHeader()
	if best == nil || h.Height < best.Height+1 || h.Height > best.Height+2 {
		return ErrHeightOutOfWindow
	}
	if !a.roundInWindow(best, h.RoundIndex, h.RoundStartTime) {
		return ErrRoundOutOfWindow
	}
	if hash, err := h.ComputeHash(); err != nil || hash != h.Hash {
		return ErrBadCandidate
	}
	if h.Height == best.Height+1 && h.PreHash != best.Hash {
		return ErrBadCandidate
	}
	r, err := a.rounds.GetRound(h.RoundIndex, h.RoundStartTime)
	if err != nil {
		return err
	}
	producer := r.MemberAt(h.PackingIndexOfRound)
	if producer == nil || producer.Agent.PackingAddress != h.Packer {
		return ErrWrongProducer
	}

	key := candidateKey{height: h.Height, roundIndex: h.RoundIndex, slot: h.PackingIndexOfRound}
	var confirms []*Ballot
	a.lock.Lock()
	if prev, ok := a.candidates[key]; ok && prev.Hash != h.Hash {
		a.lock.Unlock()
		a.logger.Warn("second candidate for the same slot ignored", "height", h.Height,
			"slot", h.PackingIndexOfRound, "packer", h.Packer)
		return nil
	}
	a.candidates[key] = h
	a.byHash[h.Hash] = h
	if hb, ok := a.buckets.Get(&heightBucket{height: h.Height}); ok {
		for _, s := range hb.targets {
			if s.pendingConfirm != nil && *s.pendingConfirm == h.Hash {
				if b := a.confirmLocked(s, h.Hash); b != nil {
					confirms = append(confirms, b)
				}
			}
		}
	}
	a.lock.Unlock()

	if r.LocalMember != nil {
		_, err := a.CastVote(ctx, Ballot{
			Height:         h.Height,
			RoundIndex:     h.RoundIndex,
			RoundStartTime: h.RoundStartTime,
			SlotIndex:      h.PackingIndexOfRound,
			Stage:          StagePreVote,
			BlockHash:      h.Hash,
		}, r.LocalMember.Agent.PackingAddress)
		if err != nil {
			a.logger.Error("failed to pre-vote for candidate", "height", h.Height, "error", err)
		}
	}
	for _, b := range confirms {
		a.castConfirm(r, b)
	}
	return nil
}

// Candidate returns the known candidate with the given hash.
func (a *Aggregator) Candidate(hash chain.Hash) (*chain.BlockHeader, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	h, ok := a.byHash[hash]
	return h, ok
}

// ClearMap drops every summary and candidate below the finalized height.
// Summaries of the finalized height itself survive for peers one height behind.
func (a *Aggregator) ClearMap(finalized uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for {
		lowest, ok := a.buckets.Min()
		if !ok || lowest.height >= finalized {
			break
		}
		a.buckets.DeleteMin()
	}
	for k, h := range a.candidates {
		if k.height < finalized {
			delete(a.candidates, k)
			delete(a.byHash, h.Hash)
		}
	}
}

// ClearHeight drops the summaries and candidates of one height.
func (a *Aggregator) ClearHeight(height uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.buckets.Delete(&heightBucket{height: height})
	for k, h := range a.candidates {
		if k.height == height {
			delete(a.candidates, k)
			delete(a.byHash, h.Hash)
		}
	}
}

// Reset forgets every summary and candidate.
func (a *Aggregator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.buckets.Clear(false)
	a.candidates = make(map[candidateKey]*chain.BlockHeader)
	a.byHash = make(map[chain.Hash]*chain.BlockHeader)
}

// PendingHeights lists the heights that still hold vote summaries.
func (a *Aggregator) PendingHeights() []uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []uint64
	a.buckets.Ascend(func(hb *heightBucket) bool {
		out = append(out, hb.height)
		return true
	})
	return out
}

// CacheSignResult keeps the winning signatures of a finalized height for the block store.
func (a *Aggregator) CacheSignResult(r *Result) {
	a.signResults.Add(r.Height, r)
}

// SignResult returns the cached finality result of a height.
func (a *Aggregator) SignResult(height uint64) (*Result, bool) {
	v, ok := a.signResults.Get(height)
	if !ok {
		return nil, false
	}
	return v.(*Result), true
}

// VerifyResult checks that r carries a quorum of valid signatures from members of mr.
func VerifyResult(mr *round.MeetingRound, r *Result, quorum int) error {
	signers := r.SignerSet()
	if int(signers.Count()) < quorum {
		return fmt.Errorf("result carries %d signatures, quorum is %d", signers.Count(), quorum)
	}
	b := r.Ballot()
	hash, err := b.SignHash()
	if err != nil {
		return err
	}
	if err := sign.VerifyAggregateBLS(roster(mr), positions(signers), hash, r.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// roster lists the public keys of a round in slot order.
func roster(r *round.MeetingRound) [][]byte {
	out := make([][]byte, 0, r.MemberCount())
	for _, m := range r.Members {
		out = append(out, m.Agent.PubKey)
	}
	return out
}
