package escrow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/holiman/uint256"
)

var (
	// ErrInvalidMilestones indicates a milestone set that can't fund an escrow.
	ErrInvalidMilestones = errors.New("invalid milestones")

	// ErrOutOfOrderRelease indicates a release of a milestone other than the current one.
	ErrOutOfOrderRelease = errors.New("milestones must be released in order")

	// ErrEscrowCompleted indicates every milestone was already released.
	ErrEscrowCompleted = errors.New("escrow is completed")

	// ErrOverRelease indicates a release would pay out more than the escrow holds.
	ErrOverRelease = errors.New("releases exceed the escrowed amount")

	// ErrReleaseInFlight indicates a claimed milestone payout that isn't recorded yet.
	ErrReleaseInFlight = errors.New("a milestone release is in flight")
)

// Milestone is a percentage-weighted portion of the escrowed payment.
type Milestone struct {
	Name         string
	Description  string
	Percentage   uint64
	Deliverables []string
}

// Release is a completed milestone payout.
type Release struct {
	MilestoneIndex int
	ReleasedAmount uint64
	TxID           chainapi.TxID
	CompletedAt    time.Time
	// ClaimID is the pending release this payout settled, if any.
	ClaimID string
}

// PendingRelease is a claimed milestone payout. Its release transaction may
// already be on the ledger, so the milestone is paid with this claim or not
// at all.
type PendingRelease struct {
	ID             string
	MilestoneIndex int
	Amount         uint64
	ClaimedAt      time.Time
}

// Escrow holds the winning amount of a task and pays it out one milestone at
// a time, in order.
//
// Percentages of Milestones[BaseIndex:] sum to 100 and apply to Base. Base
// starts as TotalAmount and is moved to the unreleased balance whenever
// future milestones are cancelled or resized.
type Escrow struct {
	ID                    string
	TaskID                auction.TaskID
	Owner                 string
	Payee                 string
	TotalAmount           uint64
	Milestones            []Milestone
	CurrentMilestoneIndex int
	CompletedReleases     []Release
	Base                  uint64
	BaseIndex             int
	// Pending is the claimed release of the current milestone, if any.
	Pending   *PendingRelease
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlannedRelease is one line of an escrow schedule.
type PlannedRelease struct {
	Index      int
	Name       string
	Percentage uint64
	Amount     uint64
	Released   bool
}

// Create validates milestones and returns an escrow of totalAmount with no releases.
func Create(totalAmount uint64, milestones []Milestone) (*Escrow, error) {
	if totalAmount == 0 {
		return nil, auction.Validationf(ErrInvalidMilestones, "total amount must be positive")
	}
	if err := validatePercentages(milestones); err != nil {
		return nil, err
	}
	ms := make([]Milestone, len(milestones))
	copy(ms, milestones)
	return &Escrow{
		TotalAmount: totalAmount,
		Milestones:  ms,
		Base:        totalAmount,
	}, nil
}

func validatePercentages(ms []Milestone) error {
	if len(ms) == 0 {
		return auction.Validationf(ErrInvalidMilestones, "escrow needs at least one milestone")
	}
	var sum uint64
	for i, m := range ms {
		if m.Percentage > 100 {
			return auction.Validationf(ErrInvalidMilestones, "milestone %d percentage %d is over 100", i, m.Percentage)
		}
		sum += m.Percentage
	}
	if sum != 100 {
		return auction.Validationf(ErrInvalidMilestones, "milestone percentages sum to %d, must be 100", sum)
	}
	return nil
}

// Done reports whether every milestone was released.
func (e *Escrow) Done() bool {
	return e.CurrentMilestoneIndex >= len(e.Milestones)
}

// Released returns the sum of all completed releases.
func (e *Escrow) Released() uint64 {
	var sum uint64
	for _, r := range e.CompletedReleases {
		sum += r.ReleasedAmount
	}
	return sum
}

// Remaining returns the unreleased balance.
func (e *Escrow) Remaining() uint64 {
	return e.TotalAmount - e.Released()
}

// ReleaseAmount returns what releasing the current milestone pays out. The
// final milestone takes whatever is left so rounding never strands funds.
func (e *Escrow) ReleaseAmount(index int) (uint64, error) {
	if e.Done() {
		return 0, auction.OrderViolationf(ErrEscrowCompleted, "releasing milestone %d of escrow %s", index, e.ID)
	}
	if index != e.CurrentMilestoneIndex {
		return 0, auction.OrderViolationf(ErrOutOfOrderRelease,
			"releasing milestone %d of escrow %s, next releasable milestone is %d", index, e.ID, e.CurrentMilestoneIndex)
	}
	if index == len(e.Milestones)-1 {
		return e.Remaining(), nil
	}
	amount, err := percentOf(e.Base, e.Milestones[index].Percentage)
	if err != nil {
		return 0, err
	}
	if amount > e.Remaining() {
		return 0, auction.Integrityf(ErrOverRelease, "milestone %d of escrow %s would release %d, %d remain",
			index, e.ID, amount, e.Remaining())
	}
	return amount, nil
}

// Release pays out milestone index and advances the escrow to the next one.
// A pending claim on the milestone is settled by the release.
func (e *Escrow) Release(index int, txID chainapi.TxID, at time.Time) (Release, error) {
	amount, err := e.ReleaseAmount(index)
	if err != nil {
		return Release{}, err
	}
	r := Release{
		MilestoneIndex: index,
		ReleasedAmount: amount,
		TxID:           txID,
		CompletedAt:    at,
	}
	if p := e.Pending; p != nil {
		if p.MilestoneIndex != index {
			return Release{}, auction.OrderViolationf(ErrReleaseInFlight,
				"escrow %s has a pending release of milestone %d", e.ID, p.MilestoneIndex)
		}
		if p.Amount != amount {
			return Release{}, auction.Integrityf(ErrOverRelease,
				"milestone %d of escrow %s was claimed for %d but releases %d", index, e.ID, p.Amount, amount)
		}
		r.ClaimID = p.ID
		e.Pending = nil
	}
	e.CompletedReleases = append(e.CompletedReleases, r)
	e.CurrentMilestoneIndex++
	e.UpdatedAt = at
	return r, nil
}

// Cancel drops the future milestone at index and spreads its share over the
// other unreleased milestones.
func (e *Escrow) Cancel(index int) error {
	if err := e.checkFuture(index); err != nil {
		return err
	}
	if len(e.Milestones)-e.CurrentMilestoneIndex == 1 {
		return auction.Validationf(ErrInvalidMilestones, "can't cancel milestone %d, it is the last unreleased one", index)
	}
	ms := make([]Milestone, 0, len(e.Milestones)-1)
	ms = append(ms, e.Milestones[:index]...)
	ms = append(ms, e.Milestones[index+1:]...)
	return e.rebase(ms)
}

// Resize changes the weight of the future milestone at index. The
// percentages of all unreleased milestones are then normalized again.
func (e *Escrow) Resize(index int, percentage uint64) error {
	if err := e.checkFuture(index); err != nil {
		return err
	}
	if percentage == 0 || percentage > 100 {
		return auction.Validationf(ErrInvalidMilestones, "milestone %d percentage %d must be in (0, 100]", index, percentage)
	}
	ms := make([]Milestone, len(e.Milestones))
	copy(ms, e.Milestones)
	ms[index].Percentage = percentage
	return e.rebase(ms)
}

func (e *Escrow) rebase(ms []Milestone) error {
	converted, err := ConvertToRemainingPercentages(ms, e.CurrentMilestoneIndex)
	if err != nil {
		return err
	}
	e.Milestones = converted
	e.Base = e.Remaining()
	e.BaseIndex = e.CurrentMilestoneIndex
	return nil
}

func (e *Escrow) checkFuture(index int) error {
	if index < 0 || index >= len(e.Milestones) {
		return auction.Validationf(ErrInvalidMilestones, "milestone %d doesn't exist", index)
	}
	if index < e.CurrentMilestoneIndex {
		return auction.OrderViolationf(ErrOutOfOrderRelease, "milestone %d was already released", index)
	}
	if e.Pending != nil {
		return auction.OrderViolationf(ErrReleaseInFlight,
			"milestone %d of escrow %s is being released", e.Pending.MilestoneIndex, e.ID)
	}
	return nil
}

// Schedule returns the released and projected amount of every milestone.
func (e *Escrow) Schedule() ([]PlannedRelease, error) {
	plan := make([]PlannedRelease, len(e.Milestones))
	var projected uint64
	for i, m := range e.Milestones {
		plan[i] = PlannedRelease{Index: i, Name: m.Name, Percentage: m.Percentage}
		if i < len(e.CompletedReleases) {
			plan[i].Amount = e.CompletedReleases[i].ReleasedAmount
			plan[i].Released = true
			continue
		}
		if i == len(e.Milestones)-1 {
			plan[i].Amount = e.Remaining() - projected
			continue
		}
		amount, err := percentOf(e.Base, m.Percentage)
		if err != nil {
			return nil, err
		}
		plan[i].Amount = amount
		projected += amount
	}
	return plan, nil
}

// ConvertToRemainingPercentages normalizes the percentages of
// milestones[fromIndex:] so they sum to 100 again, keeping their relative
// weights. Largest remainders receive the points lost to rounding. Earlier
// milestones are returned unchanged.
func ConvertToRemainingPercentages(milestones []Milestone, fromIndex int) ([]Milestone, error) {
	if fromIndex < 0 || fromIndex >= len(milestones) {
		return nil, auction.Validationf(ErrInvalidMilestones,
			"index %d is out of range for %d milestones", fromIndex, len(milestones))
	}
	rest := milestones[fromIndex:]
	var sum uint64
	for i, m := range rest {
		if m.Percentage > 100 {
			return nil, auction.Validationf(ErrInvalidMilestones,
				"milestone %d percentage %d exceeds 100", fromIndex+i, m.Percentage)
		}
		sum += m.Percentage
	}
	if sum == 0 {
		return nil, auction.Validationf(ErrInvalidMilestones, "milestones from %d carry no weight", fromIndex)
	}

	out := make([]Milestone, len(milestones))
	copy(out, milestones)

	type share struct {
		idx int
		rem uint64
	}
	shares := make([]share, len(rest))
	var assigned uint64
	for i, m := range rest {
		scaled := m.Percentage * 100
		out[fromIndex+i].Percentage = scaled / sum
		assigned += scaled / sum
		shares[i] = share{idx: fromIndex + i, rem: scaled % sum}
	}
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].rem > shares[j].rem
	})
	for i := 0; assigned < 100; i++ {
		out[shares[i%len(shares)].idx].Percentage++
		assigned++
	}
	return out, nil
}

func percentOf(amount, pct uint64) (uint64, error) {
	v := new(uint256.Int).SetUint64(amount)
	v.Mul(v, uint256.NewInt(pct))
	v.Div(v, uint256.NewInt(100))
	if !v.IsUint64() {
		return 0, fmt.Errorf("%d%% of %d overflows", pct, amount)
	}
	return v.Uint64(), nil
}
