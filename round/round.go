/*
Package round computes, caches and reconstructs meeting rounds: the ordered
schedule of validators that take turns producing blocks during a time window.
*/
package round

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/gitzhang10/pocbft/chain"
)

// MeetingMember is an agent scheduled into a round.
type MeetingMember struct {
	Agent          chain.Agent
	RoundIndex     int64
	RoundStartTime int64
	SlotIndex      int // 1-based
	SortKey        chain.Hash
}

// MeetingRound is the schedule of one round.
// Index, StartTime and the member list never change once built; the slot
// cursor, the delay and the confirmed flag are guarded by the round's lock.
type MeetingRound struct {
	Index       int64
	StartTime   int64
	Members     []*MeetingMember
	LocalMember *MeetingMember

	memberAddressSet map[chain.Address]*MeetingMember
	packingInterval  int64

	lock           sync.RWMutex
	delayedSeconds int64
	cursor         int
	confirmed      bool
}

// sortKey depends on the round index only. The start time of a round drifts with
// locally observed delays, the index does not.
func sortKey(address chain.Address, index int64) chain.Hash {
	buf := make([]byte, 0, len(address)+8)
	buf = append(buf, address...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(index))
	return sha256.Sum256(buf)
}

func newMeetingRound(index, startTime, packingInterval int64, agents []chain.Agent) *MeetingRound {
	r := &MeetingRound{
		Index:            index,
		StartTime:        startTime,
		packingInterval:  packingInterval,
		memberAddressSet: make(map[chain.Address]*MeetingMember, len(agents)),
		cursor:           1,
	}
	for _, a := range agents {
		r.Members = append(r.Members, &MeetingMember{
			Agent:          a,
			RoundIndex:     index,
			RoundStartTime: startTime,
			SortKey:        sortKey(a.PackingAddress, index),
		})
	}
	sort.Slice(r.Members, func(i, j int) bool {
		if c := bytes.Compare(r.Members[i].SortKey[:], r.Members[j].SortKey[:]); c != 0 {
			return c < 0
		}
		return r.Members[i].Agent.PackingAddress < r.Members[j].Agent.PackingAddress
	})
	for i, m := range r.Members {
		m.SlotIndex = i + 1
		r.memberAddressSet[m.Agent.PackingAddress] = m
	}
	return r
}

// MemberCount returns the number of slots of the round.
func (r *MeetingRound) MemberCount() int {
	return len(r.Members)
}

// Member returns the member owning address.
func (r *MeetingRound) Member(address chain.Address) (*MeetingMember, bool) {
	m, ok := r.memberAddressSet[address]
	return m, ok
}

// HasMember reports whether address is a validator of the round.
func (r *MeetingRound) HasMember(address chain.Address) bool {
	_, ok := r.memberAddressSet[address]
	return ok
}

// MemberAt returns the producer of a 1-based slot, nil when out of range.
func (r *MeetingRound) MemberAt(slot int) *MeetingMember {
	if slot < 1 || slot > len(r.Members) {
		return nil
	}
	return r.Members[slot-1]
}

// MemberAddresses returns a fresh copy of the validator address set.
func (r *MeetingRound) MemberAddresses() map[chain.Address]struct{} {
	out := make(map[chain.Address]struct{}, len(r.memberAddressSet))
	for a := range r.memberAddressSet {
		out[a] = struct{}{}
	}
	return out
}

// Cursor returns the slot currently being decided.
func (r *MeetingRound) Cursor() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.cursor
}

// DelayedSeconds returns the accumulated schedule slippage.
func (r *MeetingRound) DelayedSeconds() int64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.delayedSeconds
}

// Confirmed reports whether a committed finality result has validated this round.
func (r *MeetingRound) Confirmed() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.confirmed
}

// SetConfirmed flips the confirmed flag.
func (r *MeetingRound) SetConfirmed(confirmed bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.confirmed = confirmed
}

// RaiseDelay sets the delay to seconds when that is larger than the current one.
func (r *MeetingRound) RaiseDelay(seconds int64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if seconds > r.delayedSeconds {
		r.delayedSeconds = seconds
	}
}

// AddDelay extends the delay by a positive number of seconds.
func (r *MeetingRound) AddDelay(seconds int64) {
	if seconds <= 0 {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.delayedSeconds += seconds
}

// advance moves the cursor to slot and folds the observed slippage into the delay.
// The cursor never moves backwards and never leaves 1..MemberCount;
// a stale slot changes nothing.
func (r *MeetingRound) advance(slot int, slotStartTime int64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if slot < r.cursor || slot > len(r.Members) {
		return
	}
	r.cursor = slot
	observed := slotStartTime - r.StartTime - int64(slot-1)*r.packingInterval
	if observed > r.delayedSeconds {
		r.delayedSeconds = observed
	}
}

// SlotStart returns the unix second at which slot begins, delay included.
func (r *MeetingRound) SlotStart(slot int) int64 {
	return r.StartTime + r.DelayedSeconds() + int64(slot-1)*r.packingInterval
}

// SlotEnd returns the unix second at which slot ends, delay included.
func (r *MeetingRound) SlotEnd(slot int) int64 {
	return r.SlotStart(slot) + r.packingInterval
}

// EndTime returns the unix second at which the last slot ends.
func (r *MeetingRound) EndTime() int64 {
	return r.StartTime + r.DelayedSeconds() + int64(len(r.Members))*r.packingInterval
}

// IsLocalProducer reports whether this node produces the given slot.
func (r *MeetingRound) IsLocalProducer(slot int) bool {
	m := r.MemberAt(slot)
	return m != nil && r.LocalMember != nil && m.Agent.PackingAddress == r.LocalMember.Agent.PackingAddress
}
