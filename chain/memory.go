package chain

import (
	"fmt"
	"sync"
)

type registration struct {
	height uint64
	data   []byte
}

type yellowCard struct {
	address Address
	round   int64
}

// MemChain is an in-memory header chain that also records agent registrations
// and yellow cards. It backs the demo node and the tests.
type MemChain struct {
	lock    sync.RWMutex
	headers []*BlockHeader
	byHash  map[Hash]*BlockHeader
	agents  []registration
	yellows []yellowCard
}

// NewMemChain creates a chain holding only the genesis header.
func NewMemChain(genesis *BlockHeader) *MemChain {
	m := &MemChain{byHash: make(map[Hash]*BlockHeader)}
	m.headers = append(m.headers, genesis)
	m.byHash[genesis.Hash] = genesis
	return m
}

// Genesis builds the height 0 header of a chain started at startTime.
func Genesis(startTime int64) *BlockHeader {
	g := &BlockHeader{
		Height:         0,
		Time:           startTime,
		RoundIndex:     0,
		RoundStartTime: startTime,
	}
	g.Hash, _ = g.ComputeHash()
	return g
}

// BestHeader implements HeaderReader.
func (m *MemChain) BestHeader() *BlockHeader {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if len(m.headers) == 0 {
		return nil
	}
	return m.headers[len(m.headers)-1]
}

// BestHeight returns the height of the best header.
func (m *MemChain) BestHeight() uint64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return uint64(len(m.headers) - 1)
}

// HeaderByHeight implements HeaderReader.
func (m *MemChain) HeaderByHeight(height uint64) (*BlockHeader, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if height >= uint64(len(m.headers)) {
		return nil, false
	}
	return m.headers[height], true
}

// HasBlock implements HeaderReader.
func (m *MemChain) HasBlock(hash Hash) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.byHash[hash]
	return ok
}

// Append stores the next header of the chain.
func (m *MemChain) Append(h *BlockHeader) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	best := m.headers[len(m.headers)-1]
	if h.Height != best.Height+1 {
		return fmt.Errorf("header height %d does not follow best height %d", h.Height, best.Height)
	}
	if h.PreHash != best.Hash {
		return fmt.Errorf("header %d does not link to best hash %s", h.Height, best.Hash)
	}
	m.headers = append(m.headers, h)
	m.byHash[h.Hash] = h
	return nil
}

// RegisterAgent records an agent as a consensus node from the given height on.
func (m *MemChain) RegisterAgent(height uint64, a *Agent) error {
	data, err := EncodeAgent(a)
	if err != nil {
		return err
	}
	m.RegisterRawAgent(height, data)
	return nil
}

// RegisterRawAgent records already serialised agent data.
func (m *MemChain) RegisterRawAgent(height uint64, data []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.agents = append(m.agents, registration{height: height, data: data})
}

// LoadAgents implements AgentStore.
func (m *MemChain) LoadAgents(height uint64) ([][]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out [][]byte
	for _, r := range m.agents {
		if r.height <= height {
			out = append(out, r.data)
		}
	}
	return out, nil
}

// AddYellowCard punishes address in the given round.
func (m *MemChain) AddYellowCard(address Address, round int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.yellows = append(m.yellows, yellowCard{address: address, round: round})
}

// YellowCards implements PunishStore.
func (m *MemChain) YellowCards(address Address, fromRound, toRound int64) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	count := 0
	for _, y := range m.yellows {
		if y.address == address && y.round >= fromRound && y.round <= toRound {
			count++
		}
	}
	return count
}
