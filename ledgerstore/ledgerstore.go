package ledgerstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/coordinator"
	"github.com/agentbazaar/bidcore/escrow"
	"github.com/agentbazaar/bidcore/storeutil"
	"github.com/google/uuid"
	golog "github.com/ipfs/go-log/v2"
)

var log = golog.Logger("bidcore/ledgerstore")

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a Postgres index of the protocol boxes seen on the ledger and of
// the escrows funded by winning bids.
type Store struct {
	db *sql.DB
}

var (
	_ chainapi.LedgerQuery      = (*Store)(nil)
	_ chainapi.TaskStore        = (*Store)(nil)
	_ escrow.Store              = (*Store)(nil)
	_ coordinator.SelectionStore = (*Store)(nil)
)

// New migrates the database at postgresURI and returns a Store.
func New(postgresURI string) (*Store, error) {
	db, err := storeutil.MigrateAndConnectToDB(postgresURI, migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SaveTask inserts or updates a task.
func (s *Store) SaveTask(ctx context.Context, t auction.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner, commit_deadline, refund_deadline)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET owner = EXCLUDED.owner,
		    commit_deadline = EXCLUDED.commit_deadline,
		    refund_deadline = EXCLUDED.refund_deadline`,
		string(t.ID), t.Owner, int64(t.CommitDeadline), int64(t.RefundDeadline))
	if err != nil {
		return fmt.Errorf("saving task %s: %v", t.ID, err)
	}
	return nil
}

// GetTask implements chainapi.TaskStore.
func (s *Store) GetTask(ctx context.Context, taskID auction.TaskID) (auction.Task, error) {
	var (
		t      auction.Task
		cd, rd int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, commit_deadline, refund_deadline FROM tasks WHERE id = $1`, string(taskID)).
		Scan(&t.ID, &t.Owner, &cd, &rd)
	if errors.Is(err, sql.ErrNoRows) {
		return auction.Task{}, auction.ErrTaskNotFound
	}
	if err != nil {
		return auction.Task{}, fmt.Errorf("getting task %s: %v", taskID, err)
	}
	t.CommitDeadline, t.RefundDeadline = uint64(cd), uint64(rd)
	return t, nil
}

// SaveCommitment records a commitment box. Saving a known box is a no-op.
func (s *Store) SaveCommitment(ctx context.Context, c auction.BidCommitment) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commitments (box_id, task_id, commit_hash, bidder_address, commit_deadline, refund_deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (box_id) DO NOTHING`,
		string(c.BoxID), string(c.TaskID), c.CommitHash[:], c.BidderAddress,
		int64(c.CommitDeadline), int64(c.RefundDeadline))
	if err != nil {
		return fmt.Errorf("saving commitment %s: %v", c.BoxID, err)
	}
	return nil
}

// GetCommitments implements chainapi.LedgerQuery.
func (s *Store) GetCommitments(ctx context.Context, taskID auction.TaskID) ([]auction.BidCommitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT box_id, task_id, commit_hash, bidder_address, commit_deadline, refund_deadline
		FROM commitments WHERE task_id = $1 ORDER BY seq`, string(taskID))
	if err != nil {
		return nil, fmt.Errorf("querying commitments: %v", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Errorf("closing rows: %s", err)
		}
	}()

	var cs []auction.BidCommitment
	for rows.Next() {
		var (
			c      auction.BidCommitment
			hash   []byte
			cd, rd int64
		)
		if err := rows.Scan(&c.BoxID, &c.TaskID, &hash, &c.BidderAddress, &cd, &rd); err != nil {
			return nil, fmt.Errorf("scanning commitment: %v", err)
		}
		if len(hash) != auction.DigestSize {
			return nil, fmt.Errorf("commitment %s has a %d byte hash", c.BoxID, len(hash))
		}
		copy(c.CommitHash[:], hash)
		c.CommitDeadline, c.RefundDeadline = uint64(cd), uint64(rd)
		cs = append(cs, c)
	}
	return cs, rows.Err()
}

// SaveRevealedBid records a reveal. Saving a known box is a no-op.
func (s *Store) SaveRevealedBid(ctx context.Context, rb auction.RevealedBid) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revealed_bids (box_id, task_id, bidder_address, bid_amount, revealed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (box_id) DO NOTHING`,
		string(rb.BoxID), string(rb.TaskID), rb.BidderAddress, formatUint(rb.BidAmount), int64(rb.RevealedAt))
	if err != nil {
		return fmt.Errorf("saving revealed bid %s: %v", rb.BoxID, err)
	}
	return nil
}

// GetRevealedBids implements chainapi.LedgerQuery.
func (s *Store) GetRevealedBids(ctx context.Context, taskID auction.TaskID) ([]auction.RevealedBid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT box_id, task_id, bidder_address, bid_amount::text, revealed_at
		FROM revealed_bids WHERE task_id = $1 ORDER BY seq`, string(taskID))
	if err != nil {
		return nil, fmt.Errorf("querying revealed bids: %v", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Errorf("closing rows: %s", err)
		}
	}()

	var rbs []auction.RevealedBid
	for rows.Next() {
		var (
			rb     auction.RevealedBid
			amount string
			at     int64
		)
		if err := rows.Scan(&rb.BoxID, &rb.TaskID, &rb.BidderAddress, &amount, &at); err != nil {
			return nil, fmt.Errorf("scanning revealed bid: %v", err)
		}
		if rb.BidAmount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("parsing amount of %s: %v", rb.BoxID, err)
		}
		rb.RevealedAt = uint64(at)
		rbs = append(rbs, rb)
	}
	return rbs, rows.Err()
}

// SaveSelection implements coordinator.SelectionStore.
func (s *Store) SaveSelection(ctx context.Context, sel coordinator.Selection) error {
	refundable, err := json.Marshal(sel.Refundable)
	if err != nil {
		return fmt.Errorf("encoding refundable boxes: %v", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO selections (task_id, box_id, bidder_address, bid_amount, revealed_at, tx_id, selected_at, refundable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (task_id) DO NOTHING`,
		string(sel.TaskID), string(sel.Winner.BoxID), sel.Winner.BidderAddress, formatUint(sel.Winner.BidAmount),
		int64(sel.Winner.RevealedAt), string(sel.TxID), int64(sel.SelectedAt), string(refundable))
	if err != nil {
		return fmt.Errorf("saving selection of task %s: %v", sel.TaskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return coordinator.ErrWinnerAlreadySelected
	}
	return nil
}

// ConfirmSelection implements coordinator.SelectionStore.
func (s *Store) ConfirmSelection(ctx context.Context, taskID auction.TaskID, txID chainapi.TxID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE selections SET tx_id = $2
		WHERE task_id = $1 AND (tx_id = '' OR tx_id = $2)`,
		string(taskID), string(txID))
	if err != nil {
		return fmt.Errorf("confirming selection of task %s: %v", taskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetSelection(ctx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("selection of task %s is confirmed by another tx", taskID)
	}
	return nil
}

// DeleteSelection implements coordinator.SelectionStore.
func (s *Store) DeleteSelection(ctx context.Context, taskID auction.TaskID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM selections WHERE task_id = $1 AND tx_id = ''`, string(taskID)); err != nil {
		return fmt.Errorf("deleting staged selection of task %s: %v", taskID, err)
	}
	return nil
}

// GetSelection implements coordinator.SelectionStore.
func (s *Store) GetSelection(ctx context.Context, taskID auction.TaskID) (*coordinator.Selection, error) {
	var (
		sel                  coordinator.Selection
		amount, refundable   string
		revealedAt, selected int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, box_id, bidder_address, bid_amount::text, revealed_at, tx_id, selected_at, refundable::text
		FROM selections WHERE task_id = $1`, string(taskID)).
		Scan(&sel.TaskID, &sel.Winner.BoxID, &sel.Winner.BidderAddress, &amount, &revealedAt,
			&sel.TxID, &selected, &refundable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coordinator.ErrSelectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting selection of task %s: %v", taskID, err)
	}
	if sel.Winner.BidAmount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("parsing winning amount: %v", err)
	}
	if err := json.Unmarshal([]byte(refundable), &sel.Refundable); err != nil {
		return nil, fmt.Errorf("decoding refundable boxes: %v", err)
	}
	sel.Winner.TaskID = sel.TaskID
	sel.Winner.RevealedAt = uint64(revealedAt)
	sel.SelectedAt = uint64(selected)
	return &sel, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func validEscrowID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
