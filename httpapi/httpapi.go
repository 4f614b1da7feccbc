package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/coordinator"
	"github.com/agentbazaar/bidcore/escrow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	golog "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var log = golog.Logger("bidcore/api")

// Tasks provides the auction view of tasks.
type Tasks interface {
	Snapshot(ctx context.Context, taskID auction.TaskID) (*coordinator.Snapshot, error)
	Outcome(ctx context.Context, taskID auction.TaskID) (*coordinator.Outcome, error)
}

// Escrows provides read access to escrows.
type Escrows interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}

// NewServer returns a new http server exposing tasks and escrows as JSON.
func NewServer(listenAddr string, tasks Tasks, escrows Escrows) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           otelhttp.NewHandler(NewRouter(tasks, escrows), "bidcore.api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

// NewRouter returns the API routes.
func NewRouter(tasks Tasks, escrows Escrows) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Route("/tasks/{taskID}", func(r chi.Router) {
		r.Get("/phase", phaseHandler(tasks))
		r.Get("/commitments", commitmentsHandler(tasks))
		r.Get("/bids", bidsHandler(tasks))
		r.Get("/outcome", outcomeHandler(tasks))
	})
	r.Get("/escrows/{escrowID}", escrowHandler(escrows))
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type phaseView struct {
	TaskID         auction.TaskID `json:"taskId"`
	Phase          auction.Phase  `json:"phase"`
	Height         uint64         `json:"height"`
	CommitDeadline uint64         `json:"commitDeadline"`
	RefundDeadline uint64         `json:"refundDeadline"`
	Commitments    int            `json:"commitments"`
	Revealed       int            `json:"revealed"`
}

func phaseHandler(tasks Tasks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := tasks.Snapshot(r.Context(), taskID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, phaseView{
			TaskID:         s.Task.ID,
			Phase:          s.Phase,
			Height:         s.Height,
			CommitDeadline: s.Task.CommitDeadline,
			RefundDeadline: s.Task.RefundDeadline,
			Commitments:    len(s.Commitments),
			Revealed:       len(s.Ranked),
		})
	}
}

type commitmentView struct {
	BoxID          auction.BoxID  `json:"boxId"`
	CommitHash     auction.Digest `json:"commitHash"`
	BidderAddress  string         `json:"bidderAddress"`
	CommitDeadline uint64         `json:"commitDeadline"`
	RefundDeadline uint64         `json:"refundDeadline"`
}

func commitmentsHandler(tasks Tasks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := tasks.Snapshot(r.Context(), taskID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]commitmentView, 0, len(s.Commitments))
		for _, c := range s.Commitments {
			views = append(views, commitmentView{
				BoxID:          c.BoxID,
				CommitHash:     c.CommitHash,
				BidderAddress:  c.BidderAddress,
				CommitDeadline: c.CommitDeadline,
				RefundDeadline: c.RefundDeadline,
			})
		}
		writeJSON(w, views)
	}
}

type bidView struct {
	Rank          int           `json:"rank"`
	BoxID         auction.BoxID `json:"boxId"`
	BidderAddress string        `json:"bidderAddress"`
	BidAmount     uint64        `json:"bidAmount"`
	RevealedAt    uint64        `json:"revealedAt"`
}

func bidViews(rbs []auction.RevealedBid) []bidView {
	views := make([]bidView, 0, len(rbs))
	for i, rb := range rbs {
		views = append(views, bidView{
			Rank:          i + 1,
			BoxID:         rb.BoxID,
			BidderAddress: rb.BidderAddress,
			BidAmount:     rb.BidAmount,
			RevealedAt:    rb.RevealedAt,
		})
	}
	return views
}

func bidsHandler(tasks Tasks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := tasks.Snapshot(r.Context(), taskID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, bidViews(s.Ranked))
	}
}

type outcomeView struct {
	TaskID     auction.TaskID  `json:"taskId"`
	Phase      auction.Phase   `json:"phase"`
	Height     uint64          `json:"height"`
	Winner     *bidView        `json:"winner,omitempty"`
	TxID       string          `json:"txId,omitempty"`
	Ranked     []bidView       `json:"ranked"`
	Refundable []auction.BoxID `json:"refundable"`
}

func outcomeHandler(tasks Tasks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := tasks.Outcome(r.Context(), taskID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		v := outcomeView{
			TaskID:     o.TaskID,
			Phase:      o.Phase,
			Height:     o.Height,
			TxID:       string(o.TxID),
			Ranked:     bidViews(o.Ranked),
			Refundable: o.Refundable,
		}
		if v.Refundable == nil {
			v.Refundable = []auction.BoxID{}
		}
		if o.Winner != nil {
			wv := bidViews([]auction.RevealedBid{*o.Winner})[0]
			for _, b := range v.Ranked {
				if b.BoxID == wv.BoxID {
					wv.Rank = b.Rank
				}
			}
			v.Winner = &wv
		}
		writeJSON(w, v)
	}
}

type releaseView struct {
	MilestoneIndex int       `json:"milestoneIndex"`
	Name           string    `json:"name"`
	Percentage     uint64    `json:"percentage"`
	Amount         uint64    `json:"amount"`
	Released       bool      `json:"released"`
	Pending        bool      `json:"pending,omitempty"`
	TxID           string    `json:"txId,omitempty"`
	CompletedAt    time.Time `json:"completedAt,omitempty"`
}

type escrowView struct {
	ID                    string         `json:"id"`
	TaskID                auction.TaskID `json:"taskId"`
	Owner                 string         `json:"owner"`
	Payee                 string         `json:"payee"`
	TotalAmount           uint64         `json:"totalAmount"`
	Released              uint64         `json:"released"`
	CurrentMilestoneIndex int            `json:"currentMilestoneIndex"`
	Done                  bool           `json:"done"`
	Schedule              []releaseView  `json:"schedule"`
}

func escrowHandler(escrows Escrows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := escrows.Get(r.Context(), chi.URLParam(r, "escrowID"))
		if err != nil {
			writeError(w, err)
			return
		}
		plan, err := e.Schedule()
		if err != nil {
			writeError(w, err)
			return
		}
		v := escrowView{
			ID:                    e.ID,
			TaskID:                e.TaskID,
			Owner:                 e.Owner,
			Payee:                 e.Payee,
			TotalAmount:           e.TotalAmount,
			Released:              e.Released(),
			CurrentMilestoneIndex: e.CurrentMilestoneIndex,
			Done:                  e.Done(),
		}
		for _, p := range plan {
			rv := releaseView{
				MilestoneIndex: p.Index,
				Name:           p.Name,
				Percentage:     p.Percentage,
				Amount:         p.Amount,
				Released:       p.Released,
				Pending:        e.Pending != nil && e.Pending.MilestoneIndex == p.Index,
			}
			if p.Released {
				rv.TxID = string(e.CompletedReleases[p.Index].TxID)
				rv.CompletedAt = e.CompletedReleases[p.Index].CompletedAt
			}
			v.Schedule = append(v.Schedule, rv)
		}
		writeJSON(w, v)
	}
}

func taskID(r *http.Request) auction.TaskID {
	return auction.TaskID(chi.URLParam(r, "taskID"))
}

type errorView struct {
	Error string         `json:"error"`
	Kind  string         `json:"kind"`
	Next  *auction.Window `json:"nextWindow,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := auction.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auction.ErrTaskNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
	case kind == auction.KindValidation:
		status = http.StatusBadRequest
	case kind == auction.KindPhaseViolation:
		status = http.StatusConflict
	case kind == auction.KindIntegrity:
		status = http.StatusUnprocessableEntity
	case kind == auction.KindExternal:
		status = http.StatusBadGateway
	}
	v := errorView{Error: err.Error(), Kind: kind.String()}
	if next, ok := auction.NextWindowOf(err); ok {
		v.Next = &next
	}
	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %s", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}
