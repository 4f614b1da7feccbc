package fakechain

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/commitment"
	"github.com/oklog/ulid/v2"
)

// Chain is an in-memory ledger that enforces the same windows and commitment
// binding as the on-chain contract. It implements chainapi.Signer,
// chainapi.HeightOracle, chainapi.LedgerQuery and chainapi.TaskStore.
type Chain struct {
	lock sync.Mutex

	height      uint64
	tasks       map[auction.TaskID]auction.Task
	commitments map[auction.TaskID][]auction.BidCommitment
	reveals     map[auction.TaskID][]auction.RevealedBid
	refunded    map[auction.BoxID]bool
	winners     map[auction.TaskID]auction.BoxID
	releases    []chainapi.UnsignedTx
	submitted   []chainapi.UnsignedTx
	// applied maps a transaction to its id, so resubmitting it is a no-op.
	applied map[string]chainapi.TxID

	failures  []error
	heightErr error
	entropy   *ulid.MonotonicEntropy
}

// New returns an empty chain at height.
func New(height uint64) *Chain {
	return &Chain{
		height:      height,
		tasks:       map[auction.TaskID]auction.Task{},
		commitments: map[auction.TaskID][]auction.BidCommitment{},
		reveals:     map[auction.TaskID][]auction.RevealedBid{},
		refunded:    map[auction.BoxID]bool{},
		winners:     map[auction.TaskID]auction.BoxID{},
		applied:     map[string]chainapi.TxID{},
	}
}

var (
	_ chainapi.Signer       = (*Chain)(nil)
	_ chainapi.HeightOracle = (*Chain)(nil)
	_ chainapi.LedgerQuery  = (*Chain)(nil)
	_ chainapi.TaskStore    = (*Chain)(nil)
)

// Sign encodes tx. The fake wallet holds no keys.
func (c *Chain) Sign(_ context.Context, tx chainapi.UnsignedTx) (chainapi.SignedTx, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tx); err != nil {
		return chainapi.SignedTx{}, fmt.Errorf("encoding tx: %v", err)
	}
	return chainapi.SignedTx{Kind: tx.Kind, Raw: buf.Bytes()}, nil
}

// Submit applies a signed transaction to the ledger state.
func (c *Chain) Submit(_ context.Context, stx chainapi.SignedTx) (chainapi.TxID, error) {
	var tx chainapi.UnsignedTx
	if err := gob.NewDecoder(bytes.NewReader(stx.Raw)).Decode(&tx); err != nil {
		return "", fmt.Errorf("decoding tx: %v", err)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return "", err
	}
	key := txKey(tx)
	if id, ok := c.applied[key]; ok {
		return id, nil
	}
	if err := c.apply(tx); err != nil {
		return "", fmt.Errorf("%w: %v", chainapi.ErrRejected, err)
	}
	c.submitted = append(c.submitted, tx)
	id := chainapi.TxID(c.newID())
	c.applied[key] = id
	return id, nil
}

// txKey identifies a transaction by its content, like a hash of the signed
// transaction would on a real ledger.
func txKey(tx chainapi.UnsignedTx) string {
	keys := make([]string, 0, len(tx.Payload))
	for k := range tx.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%d|%s|%x|%d|%d",
		tx.Kind, tx.TaskID, tx.BoxID, tx.Bidder, tx.Amount, tx.CommitHash, tx.Salt[:], tx.CommitDeadline, tx.RefundDeadline)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, tx.Payload[k])
	}
	return b.String()
}

func (c *Chain) apply(tx chainapi.UnsignedTx) error {
	task, ok := c.tasks[tx.TaskID]
	if !ok && tx.Kind != chainapi.TxRelease {
		return auction.ErrTaskNotFound
	}
	switch tx.Kind {
	case chainapi.TxCommit:
		if c.height > task.CommitDeadline {
			return errors.New("commit deadline passed")
		}
		c.commitments[tx.TaskID] = append(c.commitments[tx.TaskID], auction.BidCommitment{
			TaskID:         tx.TaskID,
			BoxID:          auction.BoxID(c.newID()),
			CommitHash:     tx.CommitHash,
			BidderAddress:  tx.Bidder,
			CommitDeadline: task.CommitDeadline,
			RefundDeadline: task.RefundDeadline,
		})
	case chainapi.TxReveal:
		bc, ok := c.commitment(tx.TaskID, tx.BoxID)
		if !ok {
			return errors.New("box not found")
		}
		if c.height <= bc.CommitDeadline || c.height > bc.RefundDeadline {
			return errors.New("outside reveal window")
		}
		if c.isRevealed(tx.TaskID, tx.BoxID) || c.refunded[tx.BoxID] {
			return errors.New("box already spent")
		}
		if !commitment.VerifyReveal(tx.Amount, tx.Salt, bc.BidderAddress, bc.CommitHash) {
			return errors.New("commitment mismatch")
		}
		c.reveals[tx.TaskID] = append(c.reveals[tx.TaskID], auction.RevealedBid{
			TaskID:        tx.TaskID,
			BoxID:         tx.BoxID,
			BidderAddress: bc.BidderAddress,
			BidAmount:     tx.Amount,
			RevealedAt:    c.height,
		})
	case chainapi.TxRefund:
		bc, ok := c.commitment(tx.TaskID, tx.BoxID)
		if !ok {
			return errors.New("box not found")
		}
		if c.refunded[tx.BoxID] {
			return errors.New("box already refunded")
		}
		if c.isRevealed(tx.TaskID, tx.BoxID) {
			winner, selected := c.winners[tx.TaskID]
			if !selected || winner == tx.BoxID {
				return errors.New("revealed box is not refundable")
			}
		} else if c.height <= bc.RefundDeadline {
			return errors.New("refund deadline not reached")
		}
		c.refunded[tx.BoxID] = true
	case chainapi.TxSelect:
		if !c.isRevealed(tx.TaskID, tx.BoxID) {
			return errors.New("box not revealed")
		}
		if _, ok := c.winners[tx.TaskID]; ok {
			return errors.New("winner already selected")
		}
		if c.height <= task.RefundDeadline && len(c.reveals[tx.TaskID]) < len(c.commitments[tx.TaskID]) {
			return errors.New("selection phase not started")
		}
		c.winners[tx.TaskID] = tx.BoxID
	case chainapi.TxRelease:
		c.releases = append(c.releases, tx)
	default:
		return fmt.Errorf("unknown kind %s", tx.Kind)
	}
	return nil
}

// CurrentHeight returns the chain height.
func (c *Chain) CurrentHeight(context.Context) (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.heightErr != nil {
		return 0, c.heightErr
	}
	return c.height, nil
}

// GetCommitments returns every commitment of taskID in submission order.
func (c *Chain) GetCommitments(_ context.Context, taskID auction.TaskID) ([]auction.BidCommitment, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]auction.BidCommitment(nil), c.commitments[taskID]...), nil
}

// GetRevealedBids returns every reveal of taskID in reveal order.
func (c *Chain) GetRevealedBids(_ context.Context, taskID auction.TaskID) ([]auction.RevealedBid, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]auction.RevealedBid(nil), c.reveals[taskID]...), nil
}

// GetTask returns the task metadata.
func (c *Chain) GetTask(_ context.Context, taskID auction.TaskID) (auction.Task, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return auction.Task{}, auction.ErrTaskNotFound
	}
	return t, nil
}

func (c *Chain) commitment(taskID auction.TaskID, boxID auction.BoxID) (auction.BidCommitment, bool) {
	for _, bc := range c.commitments[taskID] {
		if bc.BoxID == boxID {
			return bc, true
		}
	}
	return auction.BidCommitment{}, false
}

func (c *Chain) isRevealed(taskID auction.TaskID, boxID auction.BoxID) bool {
	for _, rb := range c.reveals[taskID] {
		if rb.BoxID == boxID {
			return true
		}
	}
	return false
}

func (c *Chain) newID() string {
	if c.entropy == nil {
		c.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String())
}

// Helpers for tests

// AddTask registers a task.
func (c *Chain) AddTask(t auction.Task) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.tasks[t.ID] = t
}

// SetHeight moves the chain to height.
func (c *Chain) SetHeight(height uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.height = height
}

// FailSubmissions makes the next submissions fail with errs, in order.
func (c *Chain) FailSubmissions(errs ...error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.failures = append(c.failures, errs...)
}

// FailHeight makes CurrentHeight fail with err until called again with nil.
func (c *Chain) FailHeight(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.heightErr = err
}

// Refunded reports whether boxID was refunded.
func (c *Chain) Refunded(boxID auction.BoxID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.refunded[boxID]
}

// Winner returns the selected box of taskID.
func (c *Chain) Winner(taskID auction.TaskID) (auction.BoxID, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	w, ok := c.winners[taskID]
	return w, ok
}

// Releases returns the release transactions applied so far.
func (c *Chain) Releases() []chainapi.UnsignedTx {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]chainapi.UnsignedTx(nil), c.releases...)
}

// Submitted returns every transaction applied so far.
func (c *Chain) Submitted() []chainapi.UnsignedTx {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]chainapi.UnsignedTx(nil), c.submitted...)
}

// PutRevealedBid injects a reveal, bypassing validation.
func (c *Chain) PutRevealedBid(rb auction.RevealedBid) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.reveals[rb.TaskID] = append(c.reveals[rb.TaskID], rb)
}

// PutCommitment injects a commitment, bypassing validation.
func (c *Chain) PutCommitment(bc auction.BidCommitment) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.commitments[bc.TaskID] = append(c.commitments[bc.TaskID], bc)
}
