package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/round"
	"github.com/gitzhang10/pocbft/sign"
	"github.com/gitzhang10/pocbft/vote"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

const genesisTime = int64(1_700_000_000)

type silentNetwork struct{}

func (silentNetwork) Broadcast(uint16, interface{}, string) bool                 { return false }
func (silentNetwork) UpdateConsensusMembership(uint16, map[chain.Address]struct{}) {}
func (silentNetwork) RequestBlock(uint16, string, chain.Hash)                      {}

// syncHub delivers every broadcast to the other aggregators before returning.
type syncHub struct {
	mu    sync.Mutex
	nodes map[string]*vote.Aggregator
}

type hubPort struct {
	hub  *syncHub
	name string
}

func (p *hubPort) Broadcast(_ uint16, msg interface{}, exclude string) bool {
	p.hub.mu.Lock()
	peers := make(map[string]*vote.Aggregator, len(p.hub.nodes))
	for k, v := range p.hub.nodes {
		peers[k] = v
	}
	p.hub.mu.Unlock()
	for name, a := range peers {
		if name == p.name || name == exclude {
			continue
		}
		_ = a.AddVote(msg.(*vote.Message), p.name)
	}
	return true
}

func (p *hubPort) UpdateConsensusMembership(uint16, map[chain.Address]struct{}) {}
func (p *hubPort) RequestBlock(uint16, string, chain.Hash)                      {}

type recordingBuilder struct {
	mu   sync.Mutex
	jobs []ProduceJob
}

func (b *recordingBuilder) Produce(job ProduceJob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
}

func (b *recordingBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

type notice struct {
	height uint64
	hash   chain.Hash
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) NoticeByzantineResult(_ uint16, height uint64, _ bool, hash chain.Hash, _ *vote.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{height: height, hash: hash})
}

type testEnv struct {
	mc      *chain.MemChain
	clock   *chain.Clock
	signers map[chain.Address]*sign.KeySigner
	addrs   []chain.Address
}

func newEnv(t *testing.T, n int) *testEnv {
	e := &testEnv{
		mc:      chain.NewMemChain(chain.Genesis(genesisTime)),
		clock:   &chain.Clock{},
		signers: make(map[chain.Address]*sign.KeySigner),
	}
	e.clock.Set(time.Unix(genesisTime+1, 0))
	for i := 0; i < n; i++ {
		priv, pub := sign.GenBLSKeys()
		s := sign.NewKeySigner()
		addr, err := s.AddKey(priv)
		require.NoError(t, err)
		require.NoError(t, e.mc.RegisterAgent(0, &chain.Agent{
			PackingAddress: addr, AgentAddress: addr, RewardAddress: addr, PubKey: pub,
		}))
		e.signers[addr] = s
		e.addrs = append(e.addrs, addr)
	}
	return e
}

type testNode struct {
	reg      *round.Registry
	agg      *vote.Aggregator
	coord    *Coordinator
	builder  *recordingBuilder
	notifier *recordingNotifier
}

func (e *testEnv) node(t *testing.T, local chain.Address, net chain.Network, voteTimeout time.Duration) *testNode {
	reg, err := round.NewRegistry(&round.RegistryConfig{
		ChainID:             1,
		PackingInterval:     10,
		CapacityCoefficient: 10,
		CacheSize:           10,
		LocalAddresses:      []chain.Address{local},
		Headers:             e.mc,
		Agents:              e.mc,
		Punish:              e.mc,
		Network:             net,
		Clock:               e.clock,
		Logger:              hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	agg, err := vote.NewAggregator(&vote.AggregatorConfig{
		ChainID: 1,
		Quorum: func(n int) int {
			q := n*67/100 + 1
			if q > n {
				q = n
			}
			return q
		},
		ResultBuffer: 8,
		Rounds:       reg,
		Headers:      e.mc,
		Network:      net,
		Signer:       e.signers[local],
		Logger:       hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	tn := &testNode{reg: reg, agg: agg, builder: &recordingBuilder{}, notifier: &recordingNotifier{}}
	tn.coord = NewCoordinator(&Config{
		ChainID:         1,
		PackingInterval: 10,
		VoteTimeout:     voteTimeout,
		TickInterval:    10 * time.Millisecond,
		Rounds:          reg,
		Votes:           agg,
		Headers:         e.mc,
		Builder:         tn.builder,
		Notifier:        tn.notifier,
		Clock:           e.clock,
		Logger:          hclog.NewNullLogger(),
	})
	return tn
}

// confirmedRound computes the live round and marks it confirmed, as a committed
// liveness vote would have.
func confirmedRound(t *testing.T, tn *testNode) *round.MeetingRound {
	r, err := tn.reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	r.SetConfirmed(true)
	return r
}

func result(r *round.MeetingRound, height uint64, slot int, hash chain.Hash) *vote.Result {
	return &vote.Result{
		Height:         height,
		RoundIndex:     r.Index,
		RoundStartTime: r.StartTime,
		SlotIndex:      slot,
		Stage:          vote.StageConfirm,
		BlockHash:      hash,
	}
}

func TestStaleResultIsNotApplied(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, time.Second)
	r := confirmedRound(t, tn)

	require.True(t, tn.coord.ConfirmResult(result(r, 1, 1, chain.Hash{1})))
	require.True(t, tn.coord.ConfirmResult(result(r, 2, 2, chain.Hash{2})))
	require.Equal(t, uint64(2), tn.coord.ConfirmedHeight())
	require.Equal(t, 3, r.Cursor())
	delayed := r.DelayedSeconds()

	// height 1 arrives again after height 2 was confirmed
	require.False(t, tn.coord.ConfirmResult(result(r, 1, 1, chain.Hash{1})))
	require.False(t, tn.coord.ConfirmResult(result(r, 2, 2, chain.Hash{2})))
	require.Equal(t, uint64(2), tn.coord.ConfirmedHeight())
	require.Equal(t, 3, r.Cursor())
	require.Equal(t, delayed, r.DelayedSeconds())
	require.Len(t, tn.notifier.notices, 2)

	got, ok := tn.agg.SignResult(2)
	require.True(t, ok)
	require.Equal(t, chain.Hash{2}, got.BlockHash)
}

func TestConfirmedHeightIsMonotonic(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, time.Second)
	r := confirmedRound(t, tn)

	// a later slot may carry a lower height when a slot was re-voted
	require.True(t, tn.coord.ConfirmResult(result(r, 2, 1, chain.Hash{2})))
	require.True(t, tn.coord.ConfirmResult(result(r, 1, 2, chain.Hash{1})))
	require.Equal(t, uint64(2), tn.coord.ConfirmedHeight())
}

func TestEmptyResultAdvancesCursor(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, time.Second)
	r := confirmedRound(t, tn)

	require.True(t, tn.coord.ConfirmResult(result(r, 1, 1, chain.EmptyHash)))
	require.Equal(t, 2, r.Cursor())
	require.Equal(t, uint64(0), tn.coord.ConfirmedHeight())
	require.Empty(t, tn.notifier.notices)

	// the last slot rolls the schedule into the next round
	require.True(t, tn.coord.ConfirmResult(result(r, 1, r.MemberCount(), chain.EmptyHash)))
	next := tn.reg.CurrentRound()
	require.Equal(t, r.Index+1, next.Index)
	require.Equal(t, r.EndTime(), next.StartTime)
	require.Equal(t, 1, next.Cursor())
	require.True(t, next.Confirmed())
}

func TestDuplicateHeightAdvancesWithoutNotice(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, time.Second)
	r := confirmedRound(t, tn)

	best := e.mc.BestHeader()
	h := &chain.BlockHeader{
		Height:               1,
		PreHash:              best.Hash,
		Time:                 r.SlotEnd(1),
		Packer:               r.MemberAt(1).Agent.PackingAddress,
		RoundIndex:           r.Index,
		RoundStartTime:       r.StartTime,
		PackingIndexOfRound:  1,
		ConsensusMemberCount: r.MemberCount(),
	}
	var err error
	h.Hash, err = h.ComputeHash()
	require.NoError(t, err)
	require.NoError(t, e.mc.Append(h))

	require.True(t, tn.coord.ConfirmResult(result(r, 1, 1, h.Hash)))
	require.Equal(t, 2, r.Cursor())
	require.Empty(t, tn.notifier.notices)
}

func TestGiveUpAfterVoteRoundsTimeOut(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, 10*time.Millisecond)
	r := confirmedRound(t, tn)
	e.clock.Set(time.Unix(r.SlotEnd(1)+60, 0))

	require.NoError(t, tn.coord.Tick(context.Background()))
	require.False(t, r.Confirmed())
	require.Empty(t, tn.agg.PendingHeights())
	require.Equal(t, int64(maxConfirmWaits), r.DelayedSeconds())
	require.Equal(t, uint64(0), tn.coord.ConfirmedHeight())
}

func TestProduceOncePerSlot(t *testing.T) {
	e := newEnv(t, 4)
	scout := e.node(t, e.addrs[0], silentNetwork{}, time.Second)
	first, err := scout.reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	producer := first.MemberAt(1).Agent.PackingAddress

	tn := e.node(t, producer, silentNetwork{}, time.Second)
	r := confirmedRound(t, tn)
	require.True(t, r.IsLocalProducer(1))

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := tn.coord.Tick(ctx)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	require.Equal(t, 1, tn.builder.count())
	job := tn.builder.jobs[0]
	require.Equal(t, producer, job.Member.Agent.PackingAddress)
	require.Equal(t, r.SlotStart(1), job.SlotStart)
	require.Same(t, r, job.Round)
}

func TestNonMemberIdles(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, chain.Address("outsider"), silentNetwork{}, time.Second)

	require.NoError(t, tn.coord.Tick(context.Background()))
	require.False(t, tn.coord.IsConsensusNode())
	require.Empty(t, tn.agg.PendingHeights())
}

func TestWaitPersistenceTimesOut(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, time.Second)
	tn.coord.interval = 1
	r := confirmedRound(t, tn)
	require.True(t, tn.coord.ConfirmResult(result(r, 1, 1, chain.Hash{1})))

	start := time.Now()
	require.ErrorIs(t, tn.coord.Tick(context.Background()), ErrNotSynchronized)
	require.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestCheckDelayedTime(t *testing.T) {
	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, 3*time.Second)
	r := confirmedRound(t, tn)

	best := e.mc.BestHeader()
	h := &chain.BlockHeader{
		Height:               1,
		PreHash:              best.Hash,
		Time:                 r.SlotEnd(1),
		Packer:               r.MemberAt(1).Agent.PackingAddress,
		RoundIndex:           r.Index,
		RoundStartTime:       r.StartTime,
		PackingIndexOfRound:  1,
		ConsensusMemberCount: r.MemberCount(),
	}
	var err error
	h.Hash, err = h.ComputeHash()
	require.NoError(t, err)
	require.NoError(t, e.mc.Append(h))

	// slot 2 is 4s overdue: the drift is rounded up to two vote timeouts
	e.clock.Set(time.Unix(h.Time+10+4, 0))
	live, err := tn.reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Zero(t, live.DelayedSeconds())
	tn.coord.checkDelayedTime(live)
	require.Equal(t, int64(6), live.DelayedSeconds())

	// an already delayed round is left alone
	tn.coord.checkDelayedTime(live)
	require.Equal(t, int64(6), live.DelayedSeconds())
}

// tappedVotes records every result the coordinator reads from the aggregator.
type tappedVotes struct {
	*vote.Aggregator
	out chan *vote.Result

	mu   sync.Mutex
	seen []*vote.Result
}

func tap(t *testing.T, agg *vote.Aggregator) *tappedVotes {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tv := &tappedVotes{Aggregator: agg, out: make(chan *vote.Result)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-agg.Results():
				tv.mu.Lock()
				tv.seen = append(tv.seen, r)
				tv.mu.Unlock()
				select {
				case tv.out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return tv
}

func (tv *tappedVotes) Results() <-chan *vote.Result {
	return tv.out
}

func (tv *tappedVotes) results() []*vote.Result {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return append([]*vote.Result(nil), tv.seen...)
}

func newHubCluster(t *testing.T, e *testEnv, voteTimeout time.Duration) []*testNode {
	hub := &syncHub{nodes: make(map[string]*vote.Aggregator)}
	var nodes []*testNode
	for i, addr := range e.addrs {
		name := string(rune('a' + i))
		tn := e.node(t, addr, &hubPort{hub: hub, name: name}, voteTimeout)
		hub.nodes[name] = tn.agg
		confirmedRound(t, tn)
		nodes = append(nodes, tn)
	}
	return nodes
}

func tickAll(t *testing.T, nodes []*testNode, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, tn := range nodes {
		tn := tn
		g.Go(func() error { return tn.coord.Tick(ctx) })
	}
	require.NoError(t, g.Wait())
}

// Four validators vote EMPTY at once for a slot whose budget elapsed before the tick.
func TestOverdueSlotIsVotedEmpty(t *testing.T) {
	e := newEnv(t, 4)
	nodes := newHubCluster(t, e, 50*time.Millisecond)
	r := nodes[0].reg.CurrentRound()
	e.clock.Set(time.Unix(r.SlotEnd(2)+1, 0))

	tickAll(t, nodes, 20*time.Second)

	for _, tn := range nodes {
		cur := tn.reg.CurrentRound()
		require.Equal(t, r.Index, cur.Index)
		require.Equal(t, 2, cur.Cursor())
		require.Equal(t, uint64(0), tn.coord.ConfirmedHeight())
		require.Empty(t, tn.notifier.notices)
		require.Zero(t, tn.builder.count())
	}
}

// The producer of slot 2 stays silent while the slot is live. Every validator times
// out, re-votes EMPTY under vote round 1 and the slot is skipped.
func TestSilentProducerSlotIsSkipped(t *testing.T) {
	e := newEnv(t, 4)
	nodes := newHubCluster(t, e, 200*time.Millisecond)
	taps := make([]*tappedVotes, len(nodes))
	for i, tn := range nodes {
		r := tn.reg.CurrentRound()
		require.True(t, tn.coord.ConfirmResult(result(r, 1, 1, chain.EmptyHash)))
		require.Equal(t, 2, r.Cursor())
		taps[i] = tap(t, tn.agg)
		tn.coord.votes = taps[i]
	}
	r := nodes[0].reg.CurrentRound()
	producer := r.MemberAt(2).Agent.PackingAddress
	e.clock.Set(time.UnixMilli(r.SlotEnd(2)*1000 - 100))

	start := time.Now()
	tickAll(t, nodes, 10*time.Second)
	require.Less(t, time.Since(start), 5*time.Second)

	for i, tn := range nodes {
		cur := tn.reg.CurrentRound()
		require.Equal(t, r.Index, cur.Index)
		require.Equal(t, 3, cur.Cursor())
		require.Equal(t, uint64(0), tn.coord.ConfirmedHeight())
		require.Empty(t, tn.notifier.notices)

		seen := taps[i].results()
		require.Len(t, seen, 1)
		res := seen[0]
		require.True(t, res.IsEmpty())
		require.Equal(t, vote.StageConfirm, res.Stage)
		require.Equal(t, r.Index, res.RoundIndex)
		require.Equal(t, 2, res.SlotIndex)
		require.Equal(t, int64(1), res.VoteRoundIndex)
		require.Equal(t, uint64(1), res.Height)

		if tn.reg.CurrentRound().LocalMember.Agent.PackingAddress == producer {
			require.Equal(t, 1, tn.builder.count())
		} else {
			require.Zero(t, tn.builder.count())
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t, 4)
	tn := e.node(t, e.addrs[0], silentNetwork{}, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tn.coord.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
	require.True(t, tn.coord.IsConsensusNode())
}
