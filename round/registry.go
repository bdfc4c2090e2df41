package round

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
)

var (
	// ErrValidatorDataCorrupt is returned when the registered agents cannot be decoded.
	// No round is produced; callers retry on the next tick.
	ErrValidatorDataCorrupt = errors.New("validator data corrupt")

	// ErrNoBestHeader is returned when the header store is empty.
	ErrNoBestHeader = errors.New("no best header")
)

// RegistryConfig encapsulates the parameters and collaborators of a Registry.
type RegistryConfig struct {
	ChainID             uint16
	PackingInterval     int64
	CapacityCoefficient int64
	CacheSize           int
	SeedAgents          []chain.Agent
	LocalAddresses      []chain.Address

	Headers chain.HeaderReader
	Agents  chain.AgentStore
	Punish  chain.PunishStore
	Network chain.Network
	Clock   *chain.Clock

	Logger hclog.Logger
}

// Registry is the single owner of meeting rounds for one chain.
type Registry struct {
	chainID             uint16
	packingInterval     int64
	capacityCoefficient int64
	seedAgents          []chain.Agent
	seeds               map[chain.Address]struct{}
	localAddresses      map[chain.Address]struct{}

	headers chain.HeaderReader
	agents  chain.AgentStore
	punish  chain.PunishStore
	network chain.Network
	clock   *chain.Clock
	logger  hclog.Logger

	cache *lru.Cache // round index -> *MeetingRound

	lock    sync.RWMutex
	current *MeetingRound
}

// NewRegistry creates a registry from its config.
func NewRegistry(config *RegistryConfig) (*Registry, error) {
	cache, err := lru.New(config.CacheSize)
	if err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "round-registry",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if config.Clock == nil {
		config.Clock = &chain.Clock{}
	}
	local := make(map[chain.Address]struct{}, len(config.LocalAddresses))
	for _, a := range config.LocalAddresses {
		local[a] = struct{}{}
	}
	seeds := make(map[chain.Address]struct{}, len(config.SeedAgents))
	for _, a := range config.SeedAgents {
		seeds[a.PackingAddress] = struct{}{}
	}
	return &Registry{
		chainID:             config.ChainID,
		packingInterval:     config.PackingInterval,
		capacityCoefficient: config.CapacityCoefficient,
		seedAgents:          config.SeedAgents,
		seeds:               seeds,
		localAddresses:      local,
		headers:             config.Headers,
		agents:              config.Agents,
		punish:              config.Punish,
		network:             config.Network,
		clock:               config.Clock,
		logger:              config.Logger,
		cache:               cache,
	}, nil
}

// PackingInterval returns the slot length in seconds.
func (reg *Registry) PackingInterval() int64 {
	return reg.packingInterval
}

// CurrentRound returns the round the coordinator is working on, nil before the first computation.
func (reg *Registry) CurrentRound() *MeetingRound {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.current
}

// ComputeRoundFromWallClock derives the live round from the best local header and the clock.
// The result replaces any cached round with the same index and becomes current.
func (reg *Registry) ComputeRoundFromWallClock() (*MeetingRound, error) {
	best := reg.headers.BestHeader()
	if best == nil {
		return nil, ErrNoBestHeader
	}
	now := reg.clock.Unix()
	gap := best.Time - best.ScheduledTime(reg.packingInterval)
	if gap < 0 {
		gap = 0
	}
	n := int64(best.ConsensusMemberCount)
	roundEnd := best.RoundStartTime + gap + n*reg.packingInterval

	var r *MeetingRound
	var err error
	if best.PackingIndexOfRound < best.ConsensusMemberCount && now < roundEnd {
		r, err = reg.build(best.RoundIndex, best.RoundStartTime)
		if err != nil {
			return nil, err
		}
		r.delayedSeconds = gap
		r.cursor = best.PackingIndexOfRound + 1
		if r.cursor > r.MemberCount() {
			r.cursor = r.MemberCount()
		}
	} else {
		index, start := best.RoundIndex+1, roundEnd
		if r, err = reg.build(index, start); err != nil {
			return nil, err
		}
		if m := int64(r.MemberCount()); m > 0 && now >= start+m*reg.packingInterval {
			roundLen := m * reg.packingInterval
			k := (now - start) / roundLen
			if r, err = reg.build(index+k, start+k*roundLen); err != nil {
				return nil, err
			}
		}
		r.cursor = reg.slotAt(r, now)
	}
	if r.MemberCount() == 0 {
		r.cursor = 1
	}

	reg.cache.Add(r.Index, r)
	reg.promote(r)

	reg.logger.Debug("round computed from wall clock", "index", r.Index, "start", r.StartTime,
		"members", r.MemberCount(), "cursor", r.cursor, "delayed", r.delayedSeconds)
	return r, nil
}

// slotAt returns the slot of r that covers now, clamped to the round.
func (reg *Registry) slotAt(r *MeetingRound, now int64) int {
	slot := 1
	if elapsed := now - r.StartTime - r.delayedSeconds; elapsed > 0 {
		slot = int(elapsed/reg.packingInterval) + 1
	}
	if slot > r.MemberCount() {
		slot = r.MemberCount()
	}
	if slot < 1 {
		slot = 1
	}
	return slot
}

// ComputeRound rebuilds the round with a known index and start time.
// It does not touch the cache.
func (reg *Registry) ComputeRound(index, startTime int64) (*MeetingRound, error) {
	return reg.build(index, startTime)
}

// GetRound returns the cached round or reconstructs it from the header history.
// A non-positive startTime is resolved from the first stored block of the round.
func (reg *Registry) GetRound(index, startTime int64) (*MeetingRound, error) {
	if startTime <= 0 {
		startTime = reg.startTimeFromHistory(index)
	}
	reg.lock.RLock()
	cur := reg.current
	reg.lock.RUnlock()
	if cur != nil && cur.Index == index && cur.StartTime == startTime {
		return cur, nil
	}
	if v, ok := reg.cache.Get(index); ok {
		if r := v.(*MeetingRound); r.StartTime == startTime {
			return r, nil
		}
	}

	r, err := reg.build(index, startTime)
	if err != nil {
		return nil, err
	}
	// a round reconstructed for a peer never evicts a different local schedule
	reg.cache.ContainsOrAdd(index, r)
	reg.logger.Debug("round reconstructed", "index", index, "start", startTime, "members", r.MemberCount())
	return r, nil
}

// SwitchPackingIndex moves the cursor of a round to nextSlot, rolling over to the
// next round when nextSlot is past the last member. The returned round is the one
// holding the cursor afterwards.
func (reg *Registry) SwitchPackingIndex(index, startTime int64, nextSlot int, nextSlotStartTime int64) (*MeetingRound, error) {
	r, err := reg.GetRound(index, startTime)
	if err != nil {
		return nil, err
	}
	if nextSlot <= r.MemberCount() {
		r.advance(nextSlot, nextSlotStartTime)
		reg.lock.Lock()
		newer := reg.current == nil || reg.current.Index < r.Index
		if newer {
			reg.current = r
		}
		reg.lock.Unlock()
		if newer {
			reg.publish(r)
		}
		return r, nil
	}

	reg.lock.RLock()
	cur := reg.current
	reg.lock.RUnlock()
	if cur != nil && cur.Index > index {
		return cur, nil
	}
	next, err := reg.build(index+1, r.EndTime())
	if err != nil {
		return nil, err
	}
	reg.cache.Add(next.Index, next)
	reg.promote(next)
	reg.logger.Debug("round rolled over", "from", index, "to", next.Index, "start", next.StartTime)
	return next, nil
}

// promote makes r the current round and publishes its validator set.
func (reg *Registry) promote(r *MeetingRound) {
	reg.lock.Lock()
	reg.current = r
	reg.lock.Unlock()
	reg.publish(r)
}

// publish hands the validator set of the current round to the network. Rounds
// reconstructed for votes or candidates of peers are never published.
func (reg *Registry) publish(r *MeetingRound) {
	if reg.network != nil {
		reg.network.UpdateConsensusMembership(reg.chainID, r.MemberAddresses())
	}
}

// Reset forgets every cached round.
func (reg *Registry) Reset() {
	reg.cache.Purge()
	reg.lock.Lock()
	reg.current = nil
	reg.lock.Unlock()
}

// build assembles the validator set of a round and orders it.
func (reg *Registry) build(index, startTime int64) (*MeetingRound, error) {
	snapshot := reg.firstHeaderOfRound(index - 1)
	if snapshot == nil {
		return nil, ErrNoBestHeader
	}
	agents, err := reg.loadAgents(snapshot.Height)
	if err != nil {
		reg.logger.Error("failed to load consensus agents", "round", index, "height", snapshot.Height, "error", err)
		return nil, err
	}
	reg.scoreCredits(snapshot, agents)

	r := newMeetingRound(index, startTime, reg.packingInterval, reg.eligible(index, agents))
	for _, m := range r.Members {
		if _, ok := reg.localAddresses[m.Agent.PackingAddress]; ok {
			r.LocalMember = m
			break
		}
	}
	return r, nil
}

// eligible drops registered agents whose credit went negative, that is agents
// punished more often than they produced over the window. Seed agents always stay.
func (reg *Registry) eligible(index int64, agents []chain.Agent) []chain.Agent {
	out := agents[:0]
	for _, a := range agents {
		if _, seed := reg.seeds[a.PackingAddress]; !seed && a.CreditVal < 0 {
			reg.logger.Info("agent sits out the round", "round", index, "agent", a.PackingAddress, "credit", a.CreditVal)
			continue
		}
		out = append(out, a)
	}
	return out
}

// loadAgents returns the seed agents followed by the registered agents at height,
// without duplicate packing addresses.
func (reg *Registry) loadAgents(height uint64) ([]chain.Agent, error) {
	raw, err := reg.agents.LoadAgents(height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidatorDataCorrupt, err)
	}
	seen := make(map[chain.Address]struct{}, len(raw)+len(reg.seedAgents))
	out := make([]chain.Agent, 0, len(raw)+len(reg.seedAgents))
	for _, a := range reg.seedAgents {
		if _, ok := seen[a.PackingAddress]; ok {
			continue
		}
		seen[a.PackingAddress] = struct{}{}
		out = append(out, a)
	}
	for _, data := range raw {
		a, err := chain.DecodeAgent(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidatorDataCorrupt, err)
		}
		if _, ok := seen[a.PackingAddress]; ok {
			continue
		}
		seen[a.PackingAddress] = struct{}{}
		out = append(out, *a)
	}
	return out, nil
}

// firstHeaderOfRound walks back from the best header to the earliest stored block of
// round index. Without such a block it returns the newest header of an earlier round,
// which is the best header itself when index lies in the future.
func (reg *Registry) firstHeaderOfRound(index int64) *chain.BlockHeader {
	h := reg.headers.BestHeader()
	if h == nil {
		return nil
	}
	var found *chain.BlockHeader
	for {
		if h.RoundIndex < index {
			break
		}
		if h.RoundIndex == index {
			found = h
		}
		if h.Height == 0 {
			break
		}
		prev, ok := reg.headers.HeaderByHeight(h.Height - 1)
		if !ok {
			break
		}
		h = prev
	}
	if found != nil {
		return found
	}
	return h
}

func (reg *Registry) startTimeFromHistory(index int64) int64 {
	h := reg.firstHeaderOfRound(index)
	if h == nil {
		return 0
	}
	return h.RoundStartTime
}

// scoreCredits sets CreditVal from the blocks produced and yellow cards received over
// the capacityCoefficient rounds preceding the snapshot's round.
func (reg *Registry) scoreCredits(snapshot *chain.BlockHeader, agents []chain.Agent) {
	w := reg.capacityCoefficient
	last := snapshot.RoundIndex - 1
	first := snapshot.RoundIndex - w

	produced := make(map[chain.Address]int64)
	for h := snapshot; h != nil && h.RoundIndex >= first; {
		if h.RoundIndex <= last && h.Packer != "" {
			produced[h.Packer]++
		}
		if h.Height == 0 {
			break
		}
		prev, ok := reg.headers.HeaderByHeight(h.Height - 1)
		if !ok {
			break
		}
		h = prev
	}

	for i := range agents {
		addr := agents[i].PackingAddress
		yellow := int64(0)
		if reg.punish != nil {
			yellow = int64(reg.punish.YellowCards(addr, first, last))
		}
		agents[i].CreditVal = Credit(produced[addr], yellow, w)
	}
}

// Credit computes round4(produced/w - min(yellow, w)/w).
func Credit(produced, yellow, w int64) float64 {
	if yellow > w {
		yellow = w
	}
	v := float64(produced)/float64(w) - float64(yellow)/float64(w)
	return math.Round(v*10000) / 10000
}
