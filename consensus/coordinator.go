/*
Package consensus drives block production and finality for one chain.

Every tick the coordinator makes sure the local store caught up with the last
finalized height, loads the meeting round, confirms it with a liveness vote when
needed, hands the slot to the local producer or skips it when its time budget is
gone, and finally waits for the finality result of the slot.
*/
package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/round"
	"github.com/gitzhang10/pocbft/vote"
	"github.com/hashicorp/go-hclog"
)

// ErrNotSynchronized is returned by Tick when the local store stays behind the
// last finalized height for a whole packing interval.
var ErrNotSynchronized = errors.New("local chain behind the confirmed height")

const (
	persistencePoll   = 100 * time.Millisecond
	maxTryAttempts    = 30
	maxConfirmWaits   = 5
	livenessVoteRound = 0
)

// ProduceJob asks the block builder to assemble the block of one slot.
type ProduceJob struct {
	Member    *round.MeetingMember
	SlotStart int64
	Round     *round.MeetingRound
}

// BlockBuilder assembles blocks. Produce must not block; the candidate header comes
// back through the aggregator's AddCandidate.
type BlockBuilder interface {
	Produce(job ProduceJob)
}

// BlockNotifier is told about every newly finalized height.
type BlockNotifier interface {
	NoticeByzantineResult(chainID uint16, height uint64, empty bool, hash chain.Hash, result *vote.Result)
}

// Rounds is the part of the round registry the coordinator drives.
type Rounds interface {
	CurrentRound() *round.MeetingRound
	ComputeRoundFromWallClock() (*round.MeetingRound, error)
	GetRound(index, startTime int64) (*round.MeetingRound, error)
	SwitchPackingIndex(index, startTime int64, nextSlot int, nextSlotStartTime int64) (*round.MeetingRound, error)
}

// Votes is the part of the vote aggregator the coordinator drives.
type Votes interface {
	Results() <-chan *vote.Result
	CastVote(ctx context.Context, b vote.Ballot, address chain.Address) (*vote.Message, error)
	StartNextVoteRound(ctx context.Context, height uint64, roundIndex int64, slot int,
		roundStartTime, voteRound int64, address chain.Address) (int64, error)
	Candidate(hash chain.Hash) (*chain.BlockHeader, bool)
	ClearMap(finalized uint64)
	ClearHeight(height uint64)
	CacheSignResult(r *vote.Result)
	Reset()
}

// Config encapsulates the parameters and collaborators of a Coordinator.
type Config struct {
	ChainID         uint16
	PackingInterval int64 // seconds
	VoteTimeout     time.Duration
	TickInterval    time.Duration

	Rounds   Rounds
	Votes    Votes
	Headers  chain.HeaderReader
	Builder  BlockBuilder
	Notifier BlockNotifier
	Clock    *chain.Clock

	Metrics *Metrics
	Logger  hclog.Logger
}

type slotKey struct {
	round int64
	slot  int
}

// Coordinator is the consensus state machine of one chain.
type Coordinator struct {
	chainID      uint16
	interval     int64
	voteTimeout  time.Duration
	tickInterval time.Duration

	rounds   Rounds
	votes    Votes
	headers  chain.HeaderReader
	builder  BlockBuilder
	notifier BlockNotifier
	clock    *chain.Clock
	metrics  *Metrics
	logger   hclog.Logger

	lock            sync.Mutex
	confirmedHeight uint64
	lastConfirmed   slotKey
	produced        slotKey
	consensusNode   bool
}

// NewCoordinator creates a coordinator from its config.
func NewCoordinator(config *Config) *Coordinator {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "consensus",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if config.Clock == nil {
		config.Clock = &chain.Clock{}
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(nil, "")
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	c := &Coordinator{
		chainID:      config.ChainID,
		interval:     config.PackingInterval,
		voteTimeout:  config.VoteTimeout,
		tickInterval: config.TickInterval,
		rounds:       config.Rounds,
		votes:        config.Votes,
		headers:      config.Headers,
		builder:      config.Builder,
		notifier:     config.Notifier,
		clock:        config.Clock,
		metrics:      config.Metrics,
		logger:       config.Logger,
		produced:     slotKey{round: -1},
	}
	if best := c.headers.BestHeader(); best != nil {
		c.confirmedHeight = best.Height
		c.lastConfirmed = slotKey{round: best.RoundIndex, slot: best.PackingIndexOfRound}
	}
	return c
}

// ConfirmedHeight returns the highest height finalized so far.
func (c *Coordinator) ConfirmedHeight() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.confirmedHeight
}

// IsConsensusNode reports whether the local node was a member of the last loaded round.
func (c *Coordinator) IsConsensusNode() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.consensusNode
}

// Run ticks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		if err := c.Tick(ctx); err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			case errors.Is(err, ErrNotSynchronized):
				c.logger.Debug("tick aborted", "error", err)
			default:
				c.logger.Warn("tick failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs the state machine once.
func (c *Coordinator) Tick(ctx context.Context) error {
	c.drainResults()
	if err := c.waitPersistence(ctx); err != nil {
		return err
	}

	r := c.rounds.CurrentRound()
	if r == nil {
		var err error
		if r, err = c.rounds.ComputeRoundFromWallClock(); err != nil {
			return err
		}
	}
	if !c.setConsensusNode(r) {
		return nil
	}

	if !r.Confirmed() {
		var err error
		if r, err = c.tryIt(ctx); err != nil || r == nil {
			return err
		}
	}

	slot := r.Cursor()
	n := r.MemberCount()
	if slot > n {
		_, err := c.rounds.SwitchPackingIndex(r.Index, r.StartTime, slot, r.EndTime())
		return err
	}
	best := c.headers.BestHeader()
	if best == nil {
		return round.ErrNoBestHeader
	}
	height := best.Height + 1
	local := r.LocalMember.Agent.PackingAddress

	slotStart, slotEnd := r.SlotStart(slot), r.SlotEnd(slot)
	budget := slotEnd*1000 + c.voteTimeout.Milliseconds()
	switch now := c.clock.UnixMilli(); {
	case now >= budget:
		c.logger.Debug("slot budget elapsed, voting empty", "height", height, "round", r.Index, "slot", slot)
		c.castEmpty(ctx, r, height, slot, livenessVoteRound, local)
	case r.IsLocalProducer(slot):
		c.produce(r, slot, slotStart)
	}

	return c.waitConfirmed(ctx, r, height, slot, local)
}

func (c *Coordinator) setConsensusNode(r *round.MeetingRound) bool {
	member := r.LocalMember != nil
	c.lock.Lock()
	changed := c.consensusNode != member
	c.consensusNode = member
	c.lock.Unlock()
	if changed {
		c.logger.Info("consensus membership changed", "round", r.Index, "member", member)
	}
	return member
}

func (c *Coordinator) produce(r *round.MeetingRound, slot int, slotStart int64) {
	key := slotKey{round: r.Index, slot: slot}
	c.lock.Lock()
	if c.produced == key {
		c.lock.Unlock()
		return
	}
	c.produced = key
	c.lock.Unlock()

	c.metrics.Produced.Inc()
	c.logger.Debug("producing block", "round", r.Index, "slot", slot, "slotStart", slotStart)
	c.builder.Produce(ProduceJob{Member: r.LocalMember, SlotStart: slotStart, Round: r})
}

func (c *Coordinator) castEmpty(ctx context.Context, r *round.MeetingRound, height uint64, slot int,
	voteRound int64, address chain.Address) {
	_, err := c.votes.CastVote(ctx, vote.Ballot{
		Height:         height,
		RoundIndex:     r.Index,
		RoundStartTime: r.StartTime,
		SlotIndex:      slot,
		VoteRoundIndex: voteRound,
		Stage:          vote.StagePreVote,
		BlockHash:      chain.EmptyHash,
	}, address)
	if err != nil {
		c.logger.Error("failed to cast empty vote", "height", height, "round", r.Index, "slot", slot, "error", err)
	}
}

// drainResults commits results that arrived between ticks.
func (c *Coordinator) drainResults() {
	for {
		select {
		case res := <-c.votes.Results():
			c.ConfirmResult(res)
		default:
			return
		}
	}
}

// waitPersistence waits for the block store to reach the last finalized height.
func (c *Coordinator) waitPersistence(ctx context.Context) error {
	behind := func() bool {
		best := c.headers.BestHeader()
		return best == nil || best.Height < c.ConfirmedHeight()
	}
	if !behind() {
		return nil
	}
	deadline := time.NewTimer(time.Duration(c.interval) * time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(persistencePoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotSynchronized
		case <-poll.C:
			if !behind() {
				return nil
			}
		}
	}
}

// tryIt confirms the live round with EMPTY liveness votes. It returns nil without an
// error when every attempt failed and the vote state was flushed.
func (c *Coordinator) tryIt(ctx context.Context) (*round.MeetingRound, error) {
	for attempt := 1; attempt <= maxTryAttempts; attempt++ {
		r, err := c.rounds.ComputeRoundFromWallClock()
		if err != nil {
			return nil, err
		}
		if !c.setConsensusNode(r) {
			return nil, nil
		}
		best := c.headers.BestHeader()
		if best == nil {
			return nil, round.ErrNoBestHeader
		}
		slot := r.Cursor()
		c.castEmpty(ctx, r, best.Height+1, slot, livenessVoteRound, r.LocalMember.Agent.PackingAddress)

		wait := time.Duration(r.SlotEnd(slot)*1000-c.clock.UnixMilli()) * time.Millisecond
		if wait < c.voteTimeout {
			wait = c.voteTimeout
		}
		ok, err := c.awaitResult(ctx, wait)
		if err != nil {
			return nil, err
		}
		if ok {
			cur := c.rounds.CurrentRound()
			if cur == nil {
				cur = r
			}
			c.checkDelayedTime(cur)
			c.logger.Debug("round confirmed", "round", cur.Index, "attempt", attempt)
			return cur, nil
		}
		c.logger.Debug("round not confirmed yet", "round", r.Index, "slot", slot, "attempt", attempt)
	}

	c.votes.Reset()
	c.metrics.HardResets.Inc()
	c.logger.Warn("round could not be confirmed, vote state flushed", "attempts", maxTryAttempts)
	return nil, nil
}

// awaitResult waits up to d for a result that ConfirmResult applies. Stale results
// are consumed without ending the wait.
func (c *Coordinator) awaitResult(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case res := <-c.votes.Results():
			if c.ConfirmResult(res) {
				return true, nil
			}
		}
	}
}

// waitConfirmed waits for the result of a slot, re-voting under a new vote round on
// every timeout. When every retry times out the round loses its confirmation and the
// height's vote state is dropped.
func (c *Coordinator) waitConfirmed(ctx context.Context, r *round.MeetingRound, height uint64, slot int,
	address chain.Address) error {
	voteRound := int64(livenessVoteRound)
	for retry := 0; retry < maxConfirmWaits; retry++ {
		remaining := time.Duration(r.SlotEnd(slot)*1000-c.clock.UnixMilli()) * time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		ok, err := c.awaitResult(ctx, remaining+c.voteTimeout)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		c.metrics.VoteTimeouts.Inc()
		next, err := c.votes.StartNextVoteRound(ctx, height, r.Index, slot, r.StartTime, voteRound, address)
		if err != nil {
			c.logger.Error("failed to start next vote round", "height", height, "slot", slot, "error", err)
		} else {
			voteRound = next
		}
		r.AddDelay(ceilSeconds(c.voteTimeout))
		c.logger.Debug("vote round timed out", "height", height, "round", r.Index, "slot", slot,
			"voteRound", voteRound, "delayed", r.DelayedSeconds())
	}

	r.SetConfirmed(false)
	c.votes.ClearHeight(height)
	c.metrics.GiveUps.Inc()
	c.logger.Warn("giving up on height", "height", height, "round", r.Index, "slot", slot)
	return nil
}

// ConfirmResult commits a finality result and reports whether it was applied.
// Results at or behind the last confirmed (round, slot) pair change nothing.
func (c *Coordinator) ConfirmResult(res *vote.Result) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.votes.ClearMap(res.Height)
	pair := slotKey{round: res.RoundIndex, slot: res.SlotIndex}
	if !c.lastConfirmed.less(pair) {
		c.metrics.Results.WithLabelValues("stale").Inc()
		c.logger.Debug("stale result ignored", "height", res.Height, "round", res.RoundIndex, "slot", res.SlotIndex)
		return false
	}
	r, err := c.rounds.GetRound(res.RoundIndex, res.RoundStartTime)
	if err != nil {
		c.logger.Error("failed to load round of result", "round", res.RoundIndex, "error", err)
		return false
	}
	c.lastConfirmed = pair
	r.SetConfirmed(true)

	nextStart := r.SlotEnd(res.SlotIndex)
	best := c.headers.BestHeader()
	switch {
	case res.IsEmpty():
		c.metrics.Results.WithLabelValues("empty").Inc()
		c.logger.Info("slot skipped", "height", res.Height, "round", res.RoundIndex, "slot", res.SlotIndex)
	case best != nil && res.Height <= best.Height:
		c.metrics.Results.WithLabelValues("duplicate").Inc()
		c.logger.Debug("result for a stored height", "height", res.Height, "best", best.Height)
	default:
		if res.Height > c.confirmedHeight {
			c.confirmedHeight = res.Height
			c.metrics.ConfirmedHeight.Set(float64(res.Height))
		}
		c.votes.CacheSignResult(res)
		c.notifier.NoticeByzantineResult(c.chainID, res.Height, false, res.BlockHash, res)
		if h, ok := c.votes.Candidate(res.BlockHash); ok && h.Time > nextStart {
			nextStart = h.Time
		}
		c.metrics.Results.WithLabelValues("block").Inc()
		c.logger.Info("block confirmed", "height", res.Height, "hash", res.BlockHash,
			"round", res.RoundIndex, "slot", res.SlotIndex)
	}

	next, err := c.rounds.SwitchPackingIndex(r.Index, r.StartTime, res.SlotIndex+1, nextStart)
	if err != nil {
		c.logger.Error("failed to switch packing index", "round", r.Index, "slot", res.SlotIndex+1, "error", err)
		return true
	}
	if next != r {
		// the schedule continues from a committed result
		next.SetConfirmed(true)
	}
	return true
}

// checkDelayedTime aligns a freshly loaded round with the slippage the best block
// recorded and with the clock drift since that block.
func (c *Coordinator) checkDelayedTime(r *round.MeetingRound) {
	if r.DelayedSeconds() != 0 {
		return
	}
	best := c.headers.BestHeader()
	if best == nil || best.RoundIndex != r.Index {
		return
	}
	delay := best.Time - best.ScheduledTime(c.interval)
	if delay < 0 {
		delay = 0
	}
	if drift := c.clock.Unix() - best.Time - c.interval; drift > 0 {
		step := ceilSeconds(c.voteTimeout)
		delay += (drift + step - 1) / step * step
	}
	if delay > 0 {
		r.RaiseDelay(delay)
		c.logger.Debug("round delay compensated", "round", r.Index, "delayed", r.DelayedSeconds())
	}
}

func (k slotKey) less(o slotKey) bool {
	if k.round != o.round {
		return k.round < o.round
	}
	return k.slot < o.slot
}

func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
