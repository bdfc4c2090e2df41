package round

import (
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

const (
	genesisTime = int64(1_700_000_000)
	interval    = int64(10)
)

type membershipRecorder struct {
	mu      sync.Mutex
	updates []map[chain.Address]struct{}
}

func (m *membershipRecorder) Broadcast(uint16, interface{}, string) bool { return true }

func (m *membershipRecorder) UpdateConsensusMembership(_ uint16, set map[chain.Address]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, set)
}

func (m *membershipRecorder) RequestBlock(uint16, string, chain.Hash) {}

func testAgents(n int) []chain.Agent {
	agents := make([]chain.Agent, n)
	for i := range agents {
		pub := []byte{0xee, byte(i)}
		addr := chain.AddressFromPubKey(pub)
		agents[i] = chain.Agent{PackingAddress: addr, AgentAddress: addr, RewardAddress: addr, PubKey: pub}
	}
	return agents
}

func newTestChain(t *testing.T, n int) (*chain.MemChain, []chain.Agent) {
	mc := chain.NewMemChain(chain.Genesis(genesisTime))
	agents := testAgents(n)
	for i := range agents {
		require.NoError(t, mc.RegisterAgent(0, &agents[i]))
	}
	return mc, agents
}

func newTestRegistry(t *testing.T, mc *chain.MemChain, clock *chain.Clock, w int64, local ...chain.Address) (*Registry, *membershipRecorder) {
	net := &membershipRecorder{}
	reg, err := NewRegistry(&RegistryConfig{
		ChainID:             1,
		PackingInterval:     interval,
		CapacityCoefficient: w,
		CacheSize:           4,
		LocalAddresses:      local,
		Headers:             mc,
		Agents:              mc,
		Punish:              mc,
		Network:             net,
		Clock:               clock,
		Logger:              hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	return reg, net
}

func pinned(sec int64) *chain.Clock {
	c := &chain.Clock{}
	c.Set(time.Unix(sec, 0))
	return c
}

// appendBlock stores a block produced in slot of r at the given time.
func appendBlock(t *testing.T, mc *chain.MemChain, r *MeetingRound, slot int, at int64) *chain.BlockHeader {
	best := mc.BestHeader()
	h := &chain.BlockHeader{
		Height:               best.Height + 1,
		PreHash:              best.Hash,
		Time:                 at,
		Packer:               r.MemberAt(slot).Agent.PackingAddress,
		RoundIndex:           r.Index,
		RoundStartTime:       r.StartTime,
		PackingIndexOfRound:  slot,
		ConsensusMemberCount: r.MemberCount(),
	}
	var err error
	h.Hash, err = h.ComputeHash()
	require.NoError(t, err)
	require.NoError(t, mc.Append(h))
	return h
}

func memberAddresses(r *MeetingRound) []chain.Address {
	out := make([]chain.Address, 0, r.MemberCount())
	for _, m := range r.Members {
		out = append(out, m.Agent.PackingAddress)
	}
	return out
}

func TestComputeRoundFromGenesis(t *testing.T) {
	mc, agents := newTestChain(t, 4)
	clock := pinned(genesisTime + 5)
	reg, net := newTestRegistry(t, mc, clock, 10, agents[2].PackingAddress)

	r, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Index)
	require.Equal(t, genesisTime, r.StartTime)
	require.Equal(t, 4, r.MemberCount())
	require.Equal(t, 1, r.Cursor())
	require.False(t, r.Confirmed())
	require.NotNil(t, r.LocalMember)
	require.Equal(t, agents[2].PackingAddress, r.LocalMember.Agent.PackingAddress)
	require.Same(t, r, reg.CurrentRound())
	require.Len(t, net.updates, 1)
	require.Len(t, net.updates[0], 4)

	clock.Set(time.Unix(genesisTime+25, 0))
	r, err = reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Index)
	require.Equal(t, 3, r.Cursor())

	// two whole rounds of 40s have passed without any block
	clock.Set(time.Unix(genesisTime+95, 0))
	r, err = reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Equal(t, int64(3), r.Index)
	require.Equal(t, genesisTime+80, r.StartTime)
	require.Equal(t, 2, r.Cursor())
}

func TestMemberOrderIsDeterministic(t *testing.T) {
	mc, _ := newTestChain(t, 7)
	reg1, _ := newTestRegistry(t, mc, pinned(genesisTime), 10)
	reg2, _ := newTestRegistry(t, mc, pinned(genesisTime+3), 10)

	r1, err := reg1.ComputeRound(5, genesisTime+100)
	require.NoError(t, err)
	r2, err := reg2.ComputeRound(5, genesisTime+100)
	require.NoError(t, err)
	require.Equal(t, memberAddresses(r1), memberAddresses(r2))

	for i, m := range r1.Members {
		require.Equal(t, i+1, m.SlotIndex)
		require.Equal(t, int64(5), m.RoundIndex)
		if i > 0 {
			require.True(t, string(r1.Members[i-1].SortKey[:]) <= string(m.SortKey[:]))
		}
	}
}

func TestReuseRoundWithDelay(t *testing.T) {
	mc, _ := newTestChain(t, 4)
	clock := pinned(genesisTime + 1)
	reg, _ := newTestRegistry(t, mc, clock, 10)
	r, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)

	// slot 1 nominally ends at +10, the block came 3s late
	appendBlock(t, mc, r, 1, genesisTime+13)
	clock.Set(time.Unix(genesisTime+15, 0))

	r, err = reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Index)
	require.Equal(t, int64(3), r.DelayedSeconds())
	require.Equal(t, 2, r.Cursor())
	require.Equal(t, genesisTime+13, r.SlotStart(2))
}

func TestRollOverWhenLastSlotFilled(t *testing.T) {
	mc, _ := newTestChain(t, 4)
	clock := pinned(genesisTime + 1)
	reg, _ := newTestRegistry(t, mc, clock, 10)
	r, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)

	for slot := 1; slot <= 4; slot++ {
		appendBlock(t, mc, r, slot, genesisTime+int64(slot)*interval)
	}
	clock.Set(time.Unix(genesisTime+39, 0))

	next, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Index)
	require.Equal(t, genesisTime+40, next.StartTime)
	require.Equal(t, 1, next.Cursor())
	require.Zero(t, next.DelayedSeconds())
}

func TestSwitchPackingIndex(t *testing.T) {
	mc, _ := newTestChain(t, 4)
	reg, _ := newTestRegistry(t, mc, pinned(genesisTime+1), 10)
	r, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)

	got, err := reg.SwitchPackingIndex(r.Index, r.StartTime, 2, r.StartTime+interval+2)
	require.NoError(t, err)
	require.Same(t, r, got)
	require.Equal(t, 2, r.Cursor())
	require.Equal(t, int64(2), r.DelayedSeconds())

	// smaller slippage never lowers the delay
	_, err = reg.SwitchPackingIndex(r.Index, r.StartTime, 3, r.StartTime+2*interval)
	require.NoError(t, err)
	require.Equal(t, 3, r.Cursor())
	require.Equal(t, int64(2), r.DelayedSeconds())

	// stale slot changes nothing
	_, err = reg.SwitchPackingIndex(r.Index, r.StartTime, 2, r.StartTime+interval+9)
	require.NoError(t, err)
	require.Equal(t, 3, r.Cursor())
	require.Equal(t, int64(2), r.DelayedSeconds())

	_, err = reg.SwitchPackingIndex(r.Index, r.StartTime, 4, r.StartTime+3*interval+2)
	require.NoError(t, err)
	require.Equal(t, 4, r.Cursor())

	next, err := reg.SwitchPackingIndex(r.Index, r.StartTime, 5, 0)
	require.NoError(t, err)
	require.Equal(t, r.Index+1, next.Index)
	require.Equal(t, r.EndTime(), next.StartTime)
	require.Equal(t, 1, next.Cursor())
	require.Same(t, next, reg.CurrentRound())

	// a repeated roll keeps the live next round
	again, err := reg.SwitchPackingIndex(r.Index, r.StartTime, 5, 0)
	require.NoError(t, err)
	require.Same(t, next, again)
}

func TestCursorStaysInRange(t *testing.T) {
	mc, _ := newTestChain(t, 3)
	reg, _ := newTestRegistry(t, mc, pinned(genesisTime+1), 10)
	r, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		cur := reg.CurrentRound()
		require.GreaterOrEqual(t, cur.Cursor(), 1)
		require.LessOrEqual(t, cur.Cursor(), cur.MemberCount())
		next := cur.Cursor() + 1
		_, err = reg.SwitchPackingIndex(cur.Index, cur.StartTime, next, cur.SlotStart(next))
		require.NoError(t, err)
	}
	require.Equal(t, r.Index+3, reg.CurrentRound().Index)
	require.Equal(t, 2, reg.CurrentRound().Cursor())
}

func TestCredit(t *testing.T) {
	require.Equal(t, 0.5, Credit(5, 0, 10))
	require.Equal(t, -0.7, Credit(3, 20, 10))
	require.Equal(t, 0.0, Credit(1, 1, 3))
	require.Equal(t, 0.6667, Credit(2, 0, 3))
}

func TestCreditFromHistory(t *testing.T) {
	mc, agents := newTestChain(t, 3)
	clock := pinned(genesisTime + 1)
	reg, _ := newTestRegistry(t, mc, clock, 2)

	r1, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	for slot := 1; slot <= 3; slot++ {
		appendBlock(t, mc, r1, slot, r1.SlotEnd(slot))
	}
	punished := r1.MemberAt(2).Agent.PackingAddress
	mc.AddYellowCard(punished, 1)

	clock.Set(time.Unix(r1.EndTime()+1, 0))
	r2, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Equal(t, int64(2), r2.Index)
	appendBlock(t, mc, r2, 1, r2.SlotEnd(1))

	// round 3 snapshots at the first block of round 2 and looks back over rounds 0..1
	r3, err := reg.ComputeRound(3, r2.EndTime())
	require.NoError(t, err)
	for _, a := range agents {
		m, ok := r3.Member(a.PackingAddress)
		require.True(t, ok)
		switch a.PackingAddress {
		case punished:
			require.Equal(t, 0.0, m.Agent.CreditVal)
		default:
			require.Equal(t, 0.5, m.Agent.CreditVal)
		}
	}
}

func TestCorruptAgentData(t *testing.T) {
	mc, _ := newTestChain(t, 2)
	mc.RegisterRawAgent(0, []byte{0xc1})
	reg, _ := newTestRegistry(t, mc, pinned(genesisTime+1), 10)

	r, err := reg.ComputeRoundFromWallClock()
	require.ErrorIs(t, err, ErrValidatorDataCorrupt)
	require.Nil(t, r)
	require.Nil(t, reg.CurrentRound())
}

func TestSeedAgentsJoinEveryRound(t *testing.T) {
	mc, agents := newTestChain(t, 2)
	seed := testAgents(3)[2]
	dup := agents[0]
	net := &membershipRecorder{}
	reg, err := NewRegistry(&RegistryConfig{
		PackingInterval:     interval,
		CapacityCoefficient: 10,
		CacheSize:           4,
		SeedAgents:          []chain.Agent{seed, dup},
		Headers:             mc,
		Agents:              mc,
		Network:             net,
		Clock:               pinned(genesisTime + 1),
		Logger:              hclog.NewNullLogger(),
	})
	require.NoError(t, err)

	r, err := reg.ComputeRound(1, genesisTime)
	require.NoError(t, err)
	require.Equal(t, 3, r.MemberCount())
	require.True(t, r.HasMember(seed.PackingAddress))
	require.Nil(t, r.LocalMember)
}

func TestGetRoundReconstructsAfterRestart(t *testing.T) {
	mc, _ := newTestChain(t, 4)
	clock := pinned(genesisTime + 1)
	running, _ := newTestRegistry(t, mc, clock, 3)

	r1, err := running.ComputeRoundFromWallClock()
	require.NoError(t, err)
	for slot := 1; slot <= 4; slot++ {
		appendBlock(t, mc, r1, slot, r1.SlotEnd(slot))
	}
	clock.Set(time.Unix(r1.EndTime()+2, 0))
	live, err := running.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Equal(t, int64(2), live.Index)
	appendBlock(t, mc, live, 1, live.SlotEnd(1))

	restarted, _ := newTestRegistry(t, mc, clock, 3)
	require.Nil(t, restarted.CurrentRound())

	for _, start := range []int64{0, live.StartTime} {
		rebuilt, err := restarted.GetRound(live.Index, start)
		require.NoError(t, err)
		require.Equal(t, live.Index, rebuilt.Index)
		require.Equal(t, live.StartTime, rebuilt.StartTime)
		require.Equal(t, len(live.Members), len(rebuilt.Members))
		for i := range live.Members {
			require.Equal(t, *live.Members[i], *rebuilt.Members[i])
		}
	}

	cached, err := restarted.GetRound(live.Index, live.StartTime)
	require.NoError(t, err)
	again, err := restarted.GetRound(live.Index, live.StartTime)
	require.NoError(t, err)
	require.Same(t, cached, again)
}

func TestMemberOrderIgnoresStartTime(t *testing.T) {
	mc, _ := newTestChain(t, 7)
	reg, _ := newTestRegistry(t, mc, pinned(genesisTime), 10)

	// two nodes that accumulated different delays disagree on the start time only
	r1, err := reg.ComputeRound(2, genesisTime+70)
	require.NoError(t, err)
	r2, err := reg.ComputeRound(2, genesisTime+73)
	require.NoError(t, err)
	require.Equal(t, memberAddresses(r1), memberAddresses(r2))
	for i := range r1.Members {
		require.Equal(t, r1.Members[i].SortKey, r2.Members[i].SortKey)
	}
}

func TestMembershipPublishedForCurrentRoundsOnly(t *testing.T) {
	mc, _ := newTestChain(t, 4)
	reg, net := newTestRegistry(t, mc, pinned(genesisTime+1), 10)
	r, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	require.Len(t, net.updates, 1)

	// rounds rebuilt for peers leave the network filter alone
	for index := int64(1000); index < 1005; index++ {
		_, err := reg.GetRound(index, genesisTime+index)
		require.NoError(t, err)
	}
	_, err = reg.ComputeRound(r.Index+1, r.EndTime())
	require.NoError(t, err)
	require.Len(t, net.updates, 1)
	require.Same(t, r, reg.CurrentRound())

	_, err = reg.SwitchPackingIndex(r.Index, r.StartTime, 2, r.SlotStart(2))
	require.NoError(t, err)
	require.Len(t, net.updates, 1)

	next, err := reg.SwitchPackingIndex(r.Index, r.StartTime, 5, 0)
	require.NoError(t, err)
	require.Equal(t, r.Index+1, next.Index)
	require.Len(t, net.updates, 2)
	require.Len(t, net.updates[1], next.MemberCount())
}

func TestNegativeCreditSitsOut(t *testing.T) {
	mc, _ := newTestChain(t, 3)
	clock := pinned(genesisTime + 1)
	reg, _ := newTestRegistry(t, mc, clock, 2)

	r1, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	for slot := 1; slot <= 3; slot++ {
		appendBlock(t, mc, r1, slot, r1.SlotEnd(slot))
	}
	punished := r1.MemberAt(2).Agent
	mc.AddYellowCard(punished.PackingAddress, 1)
	mc.AddYellowCard(punished.PackingAddress, 1)

	clock.Set(time.Unix(r1.EndTime()+1, 0))
	r2, err := reg.ComputeRoundFromWallClock()
	require.NoError(t, err)
	appendBlock(t, mc, r2, 1, r2.SlotEnd(1))

	// one block against two yellow cards over a window of two rounds
	r3, err := reg.ComputeRound(3, r2.EndTime())
	require.NoError(t, err)
	require.Equal(t, 2, r3.MemberCount())
	require.False(t, r3.HasMember(punished.PackingAddress))

	seeded, err := NewRegistry(&RegistryConfig{
		PackingInterval:     interval,
		CapacityCoefficient: 2,
		CacheSize:           4,
		SeedAgents:          []chain.Agent{punished},
		Headers:             mc,
		Agents:              mc,
		Punish:              mc,
		Clock:               clock,
		Logger:              hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	r3, err = seeded.ComputeRound(3, r2.EndTime())
	require.NoError(t, err)
	require.Equal(t, 3, r3.MemberCount())
	m, ok := r3.Member(punished.PackingAddress)
	require.True(t, ok)
	require.Equal(t, -0.5, m.Agent.CreditVal)
}
