package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/bidder"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/coordinator"
	"github.com/agentbazaar/bidcore/escrow"
	"github.com/agentbazaar/bidcore/httpapi"
	"github.com/agentbazaar/bidcore/vault"
	"github.com/agentbazaar/bidcore/watcher"
	ds "github.com/ipfs/go-datastore"
	golog "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
)

var log = golog.Logger("bidcore/service")

// Config defines params for Service configuration.
type Config struct {
	// BidderAddress enables the bidder client. Leave empty to run without one.
	BidderAddress     string
	AllowMultipleBids bool
	EarlySelection    bool
	Retry             chainapi.RetryConfig
	Watcher           watcher.Config
	// ListenAddr enables the HTTP API.
	ListenAddr string
	// Tasks are tracked from startup.
	Tasks []auction.TaskID
}

// Deps are the ledger and storage backends of the service.
type Deps struct {
	Tasks      chainapi.TaskStore
	Ledger     chainapi.LedgerQuery
	Oracle     chainapi.HeightOracle
	Signer     chainapi.Signer
	// Selections is shared by the coordinator and the bidder. Defaults to
	// an in-memory store.
	Selections coordinator.SelectionStore
	Escrows    escrow.Store
	// Secrets backs the bidder vault. Required with a bidder address.
	Secrets ds.Batching
}

// Service runs the coordinator, the optional bidder client and the escrow
// manager, and reacts to the phase changes of tracked tasks.
type Service struct {
	conf    Config
	tasks   chainapi.TaskStore
	coord   *coordinator.Coordinator
	bidder  *bidder.Bidder
	escrows *escrow.Manager
	watcher *watcher.Watcher
	server  *http.Server

	lk       sync.Mutex
	refunded map[auction.TaskID]map[auction.BoxID]bool
}

// New returns a new Service.
func New(conf Config, deps Deps) (*Service, error) {
	if deps.Selections == nil {
		deps.Selections = coordinator.NewMemorySelections()
	}
	coord, err := coordinator.New(coordinator.Config{
		EarlySelection: conf.EarlySelection,
		Selections:     deps.Selections,
	}, deps.Tasks, deps.Ledger, deps.Oracle, deps.Signer)
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %v", err)
	}
	escrows, err := escrow.NewManager(deps.Escrows, deps.Signer, conf.Retry)
	if err != nil {
		return nil, fmt.Errorf("creating escrow manager: %v", err)
	}
	s := &Service{
		conf:     conf,
		tasks:    deps.Tasks,
		coord:    coord,
		escrows:  escrows,
		refunded: map[auction.TaskID]map[auction.BoxID]bool{},
	}

	if conf.BidderAddress != "" {
		if deps.Secrets == nil {
			return nil, errors.New("bidder requires a secret datastore")
		}
		v, err := vault.New(deps.Secrets, conf.BidderAddress)
		if err != nil {
			return nil, fmt.Errorf("opening vault: %v", err)
		}
		s.bidder, err = bidder.New(bidder.Config{
			Address:           conf.BidderAddress,
			AllowMultipleBids: conf.AllowMultipleBids,
			Retry:             conf.Retry,
		}, v, deps.Signer, deps.Oracle, deps.Ledger, deps.Selections)
		if err != nil {
			return nil, fmt.Errorf("creating bidder: %v", err)
		}
	}

	s.watcher, err = watcher.New(conf.Watcher, coord, s.handlePhase)
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %v", err)
	}
	for _, id := range conf.Tasks {
		s.watcher.Track(id)
	}

	if conf.ListenAddr != "" {
		s.server, err = httpapi.NewServer(conf.ListenAddr, coord, escrows)
		if err != nil {
			_ = s.watcher.Close()
			return nil, fmt.Errorf("creating http server: %v", err)
		}
	}
	log.Infof("service started, tracking %d tasks", len(conf.Tasks))
	return s, nil
}

// Close stops the service.
func (s *Service) Close() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Errorf("shutting down http server: %s", err)
		}
	}
	return s.watcher.Close()
}

// Coordinator returns the task coordinator.
func (s *Service) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Escrows returns the escrow manager.
func (s *Service) Escrows() *escrow.Manager {
	return s.escrows
}

// Track starts reacting to the phase changes of taskID.
func (s *Service) Track(taskID auction.TaskID) {
	s.watcher.Track(taskID)
}

// Poll checks tracked tasks once, without waiting for the next tick.
func (s *Service) Poll(ctx context.Context) {
	s.watcher.Poll(ctx)
}

// PlaceBid seals a bid on taskID and tracks the task so the bid is
// revealed and refunded on time.
func (s *Service) PlaceBid(ctx context.Context, taskID auction.TaskID, amount uint64) (*bidder.PlacedBid, error) {
	if s.bidder == nil {
		return nil, errors.New("service runs without a bidder")
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, auction.ErrTaskNotFound) {
			return nil, auction.Validationf(err, "getting task %s", taskID)
		}
		return nil, auction.Externalf(err, "getting task %s", taskID)
	}
	pb, err := s.bidder.PlaceBid(ctx, task, amount)
	if err != nil {
		return nil, err
	}
	s.watcher.Track(taskID)
	return pb, nil
}

// FundEscrow funds the escrow of a task with its selected winning bid.
func (s *Service) FundEscrow(ctx context.Context, taskID auction.TaskID, milestones []escrow.Milestone) (*escrow.Escrow, error) {
	sel, err := s.coord.Selection(ctx, taskID)
	if errors.Is(err, coordinator.ErrSelectionNotFound) {
		return nil, auction.OrderViolationf(err, "funding escrow of task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, auction.Externalf(err, "getting task %s", taskID)
	}
	return s.escrows.Fund(ctx, task, sel.Winner, milestones)
}

func (s *Service) handlePhase(ctx context.Context, ev watcher.Event) {
	if s.bidder == nil {
		if ev.Phase == auction.PhaseExpired {
			s.untrack(ev.TaskID)
		}
		return
	}

	switch ev.Phase {
	case auction.PhaseReveal:
		n, err := s.bidder.RevealAll(ctx, ev.TaskID)
		if err != nil {
			log.Errorf("revealing bids of task %s: %s", ev.TaskID, err)
			if retryable(err) {
				s.watcher.Rearm(ev.TaskID)
			}
		}
		if n > 0 {
			log.Infof("revealed %d bids of task %s", n, ev.TaskID)
		}
	case auction.PhaseSelection, auction.PhaseExpired:
		o, err := s.coord.Outcome(ctx, ev.TaskID)
		if err != nil {
			log.Errorf("getting outcome of task %s: %s", ev.TaskID, err)
			s.settle(ev.TaskID, err)
			return
		}
		refunded, err := s.bidder.RefundAll(ctx, ev.TaskID, s.pendingRefunds(ev.TaskID, o.Refundable))
		s.markRefunded(ev.TaskID, refunded)
		if len(refunded) > 0 {
			log.Infof("refunded %d bids of task %s", len(refunded), ev.TaskID)
		}
		switch {
		case err != nil:
			log.Errorf("refunding bids of task %s: %s", ev.TaskID, err)
			s.settle(ev.TaskID, err)
		case ev.Phase == auction.PhaseSelection && o.Winner == nil:
			// Revealed losers are refundable once a winner is recorded.
			s.watcher.Rearm(ev.TaskID)
		default:
			s.untrack(ev.TaskID)
		}
	}
}

func (s *Service) pendingRefunds(taskID auction.TaskID, boxIDs []auction.BoxID) []auction.BoxID {
	s.lk.Lock()
	defer s.lk.Unlock()
	var pending []auction.BoxID
	for _, id := range boxIDs {
		if !s.refunded[taskID][id] {
			pending = append(pending, id)
		}
	}
	return pending
}

func (s *Service) markRefunded(taskID auction.TaskID, boxIDs []auction.BoxID) {
	if len(boxIDs) == 0 {
		return
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.refunded[taskID] == nil {
		s.refunded[taskID] = map[auction.BoxID]bool{}
	}
	for _, id := range boxIDs {
		s.refunded[taskID][id] = true
	}
}

func (s *Service) untrack(taskID auction.TaskID) {
	s.watcher.Untrack(taskID)
	s.lk.Lock()
	delete(s.refunded, taskID)
	s.lk.Unlock()
}

// settle retries the task on the next poll if err may go away, and stops
// tracking it otherwise.
func (s *Service) settle(taskID auction.TaskID, err error) {
	if retryable(err) {
		s.watcher.Rearm(taskID)
		return
	}
	s.untrack(taskID)
}

// retryable reports whether err holds a failure that a later poll may fix.
// RevealAll combines per-box errors, so any retryable one counts.
func retryable(err error) bool {
	for _, e := range multierr.Errors(err) {
		if auction.IsRetryable(e) {
			return true
		}
	}
	return false
}
