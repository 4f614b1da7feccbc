package coordinator

import (
	"container/heap"
	"strings"

	"github.com/agentbazaar/bidcore/auction"
)

// Cmp is the interface for a comparator.
type Cmp interface {
	// Cmp returns arbitrary number with the following semantics:
	// negative: i is considered to be less than j
	// zero: i is considered to be equal to j
	// positive: i is considered to be greater than j
	Cmp(i auction.RevealedBid, j auction.RevealedBid) int
}

// CmpFn is a helper which turns a function to a Cmp interface.
func CmpFn(f func(i auction.RevealedBid, j auction.RevealedBid) int) Cmp {
	return fnCmp{f: f}
}

type fnCmp struct {
	f func(auction.RevealedBid, auction.RevealedBid) int
}

func (c fnCmp) Cmp(i auction.RevealedBid, j auction.RevealedBid) int {
	return c.f(i, j)
}

type ordered struct {
	cmps []Cmp
}

// Ordered executes each comparator in order, i.e., if the first comparator
// judges the two bids to be equal, continues to the next comparator, and so
// on. It considers two bids to be equal if all comparators are exhausted.
func Ordered(cmps ...Cmp) Cmp {
	return ordered{cmps}
}

func (c ordered) Cmp(i auction.RevealedBid, j auction.RevealedBid) int {
	for _, c := range c.cmps {
		if result := c.Cmp(i, j); result != 0 {
			return result
		}
	}
	return 0
}

// LowerAmount returns a comparator which prefers the cheaper bid.
func LowerAmount() Cmp {
	return CmpFn(func(i auction.RevealedBid, j auction.RevealedBid) int {
		return compareUint64(i.BidAmount, j.BidAmount)
	})
}

// EarlierReveal returns a comparator which prefers the bid revealed at the
// lower ledger height.
func EarlierReveal() Cmp {
	return CmpFn(func(i auction.RevealedBid, j auction.RevealedBid) int {
		return compareUint64(i.RevealedAt, j.RevealedAt)
	})
}

// ByBoxID returns a comparator ordering bids by box id. Box ids are unique per
// task, so it makes any chain ending with it a total order.
func ByBoxID() Cmp {
	return CmpFn(func(i auction.RevealedBid, j auction.RevealedBid) int {
		return strings.Compare(string(i.BoxID), string(j.BoxID))
	})
}

// DefaultRanking ranks the lowest amount first, ties going to the earliest reveal.
func DefaultRanking() Cmp {
	return Ordered(LowerAmount(), EarlierReveal(), ByBoxID())
}

// Rank returns a copy of bids sorted by cmp.
func Rank(bids []auction.RevealedBid, cmp Cmp) []auction.RevealedBid {
	bh := &bidHeap{h: append([]auction.RevealedBid(nil), bids...), cmp: cmp}
	heap.Init(bh)
	ret := make([]auction.RevealedBid, 0, len(bids))
	for bh.Len() > 0 {
		ret = append(ret, heap.Pop(bh).(auction.RevealedBid))
	}
	return ret
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// bidHeap is used to rank revealed bids.
type bidHeap struct {
	h   []auction.RevealedBid
	cmp Cmp
}

// Len returns the length of h.
func (bh bidHeap) Len() int {
	return len(bh.h)
}

// Less returns true if the value at i ranks before the value at j.
func (bh bidHeap) Less(i, j int) bool {
	return bh.cmp.Cmp(bh.h[i], bh.h[j]) < 0
}

// Swap index i and j.
func (bh bidHeap) Swap(i, j int) {
	bh.h[i], bh.h[j] = bh.h[j], bh.h[i]
}

// Push adds x to h.
func (bh *bidHeap) Push(x interface{}) {
	bh.h = append(bh.h, x.(auction.RevealedBid))
}

// Pop removes and returns the last element in h.
func (bh *bidHeap) Pop() (x interface{}) {
	x, bh.h = bh.h[len(bh.h)-1], bh.h[:len(bh.h)-1]
	return x
}
