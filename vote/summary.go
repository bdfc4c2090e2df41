package vote

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/gitzhang10/pocbft/chain"
)

// tally is the support a single block hash received in one stage.
type tally struct {
	signers bitset.BitSet
	sigs    map[uint][]byte
}

// summary aggregates every vote of one target.
type summary struct {
	target Target

	voted   [2]bitset.BitSet // members that already voted, per stage
	tallies [2]map[chain.Hash]*tally

	confirmSent    bool
	pendingConfirm *chain.Hash // pre-vote quorum on a block not yet known locally
	resultEmitted  bool
}

func newSummary(target Target) *summary {
	return &summary{
		target: target,
		tallies: [2]map[chain.Hash]*tally{
			make(map[chain.Hash]*tally),
			make(map[chain.Hash]*tally),
		},
	}
}

// add counts the vote of the member at bit for hash. Only the first vote of a member
// per stage counts; add reports whether this one did and the new support of hash.
func (s *summary) add(stage Stage, bit uint, hash chain.Hash, sig []byte) (bool, uint) {
	i := stage - 1
	if s.voted[i].Test(bit) {
		return false, s.support(stage, hash)
	}
	s.voted[i].Set(bit)
	t, ok := s.tallies[i][hash]
	if !ok {
		t = &tally{sigs: make(map[uint][]byte)}
		s.tallies[i][hash] = t
	}
	t.signers.Set(bit)
	t.sigs[bit] = sig
	return true, t.signers.Count()
}

func (s *summary) support(stage Stage, hash chain.Hash) uint {
	t, ok := s.tallies[stage-1][hash]
	if !ok {
		return 0
	}
	return t.signers.Count()
}

// signatures returns the signer set and the signatures for hash in signer order.
func (s *summary) signatures(stage Stage, hash chain.Hash) (*bitset.BitSet, [][]byte) {
	t, ok := s.tallies[stage-1][hash]
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, t.signers.Count())
	for i, e := t.signers.NextSet(0); e; i, e = t.signers.NextSet(i + 1) {
		out = append(out, t.sigs[i])
	}
	return t.signers.Clone(), out
}

// positions lists the set bits of b in ascending order.
func positions(b *bitset.BitSet) []int {
	out := make([]int, 0, b.Count())
	for i, e := b.NextSet(0); e; i, e = b.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// heightBucket groups the summaries of one height so that cleanup is a range delete.
type heightBucket struct {
	height  uint64
	targets map[Target]*summary
}

func lessBucket(a, b *heightBucket) bool {
	return a.height < b.height
}
