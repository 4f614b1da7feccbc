package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/escrow"
	"github.com/agentbazaar/bidcore/storeutil"
)

// CreateEscrow implements escrow.Store.
func (s *Store) CreateEscrow(ctx context.Context, e *escrow.Escrow) error {
	if !validEscrowID(e.ID) {
		return fmt.Errorf("escrow id %q is not a uuid", e.ID)
	}
	return storeutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrows (id, task_id, owner, payee, total_amount, current_milestone_index,
			                     base, base_index, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, string(e.TaskID), e.Owner, e.Payee, formatUint(e.TotalAmount), e.CurrentMilestoneIndex,
			formatUint(e.Base), e.BaseIndex, utc(e.CreatedAt), utc(e.UpdatedAt)); err != nil {
			return fmt.Errorf("inserting escrow: %v", err)
		}
		return insertMilestones(ctx, tx, e)
	})
}

// GetEscrow implements escrow.Store.
func (s *Store) GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	if !validEscrowID(id) {
		return nil, escrow.ErrEscrowNotFound
	}
	return s.getEscrow(ctx, `WHERE id = $1`, id)
}

// GetEscrowByTask implements escrow.Store.
func (s *Store) GetEscrowByTask(ctx context.Context, taskID auction.TaskID) (*escrow.Escrow, error) {
	return s.getEscrow(ctx, `WHERE task_id = $1`, string(taskID))
}

func (s *Store) getEscrow(ctx context.Context, where string, arg interface{}) (*escrow.Escrow, error) {
	var e *escrow.Escrow
	err := storeutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			got         escrow.Escrow
			total, base string
			claimID     sql.NullString
			claimIndex  sql.NullInt64
			claimAmount sql.NullString
			claimedAt   sql.NullTime
			err         error
		)
		err = tx.QueryRowContext(ctx, `
			SELECT id::text, task_id, owner, payee, total_amount::text, current_milestone_index,
			       base::text, base_index, created_at, updated_at,
			       pending_claim_id::text, pending_milestone_index, pending_amount::text, pending_claimed_at
			FROM escrows `+where, arg).
			Scan(&got.ID, &got.TaskID, &got.Owner, &got.Payee, &total, &got.CurrentMilestoneIndex,
				&base, &got.BaseIndex, &got.CreatedAt, &got.UpdatedAt,
				&claimID, &claimIndex, &claimAmount, &claimedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return escrow.ErrEscrowNotFound
		}
		if err != nil {
			return fmt.Errorf("getting escrow: %v", err)
		}
		if got.TotalAmount, err = strconv.ParseUint(total, 10, 64); err != nil {
			return fmt.Errorf("parsing total amount: %v", err)
		}
		if got.Base, err = strconv.ParseUint(base, 10, 64); err != nil {
			return fmt.Errorf("parsing base amount: %v", err)
		}
		if claimID.Valid {
			p := &escrow.PendingRelease{
				ID:             claimID.String,
				MilestoneIndex: int(claimIndex.Int64),
				ClaimedAt:      claimedAt.Time,
			}
			if p.Amount, err = strconv.ParseUint(claimAmount.String, 10, 64); err != nil {
				return fmt.Errorf("parsing claimed amount: %v", err)
			}
			got.Pending = p
		}
		if got.Milestones, err = getMilestones(ctx, tx, got.ID); err != nil {
			return err
		}
		if got.CompletedReleases, err = getReleases(ctx, tx, got.ID); err != nil {
			return err
		}
		e = &got
		return nil
	}, storeutil.TxReadonly())
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ClaimRelease implements escrow.Store.
func (s *Store) ClaimRelease(ctx context.Context, e *escrow.Escrow, p escrow.PendingRelease) error {
	if !validEscrowID(p.ID) {
		return fmt.Errorf("claim id %q is not a uuid", p.ID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET pending_claim_id = $2, pending_milestone_index = $3, pending_amount = $4, pending_claimed_at = $5
		WHERE id = $1 AND current_milestone_index = $3 AND pending_claim_id IS NULL`,
		e.ID, p.ID, p.MilestoneIndex, formatUint(p.Amount), utc(p.ClaimedAt))
	if err != nil {
		return fmt.Errorf("claiming release: %v", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("getting affected rows: %v", err)
	} else if n != 1 {
		if _, err := s.GetEscrow(ctx, e.ID); err != nil {
			return err
		}
		return escrow.ErrReleaseInFlight
	}
	return nil
}

// DropClaim implements escrow.Store.
func (s *Store) DropClaim(ctx context.Context, escrowID, claimID string) error {
	if !validEscrowID(escrowID) || !validEscrowID(claimID) {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET pending_claim_id = NULL, pending_milestone_index = NULL, pending_amount = NULL, pending_claimed_at = NULL
		WHERE id = $1 AND pending_claim_id = $2`,
		escrowID, claimID); err != nil {
		return fmt.Errorf("dropping release claim: %v", err)
	}
	return nil
}

// SaveRelease implements escrow.Store.
func (s *Store) SaveRelease(ctx context.Context, e *escrow.Escrow, r escrow.Release) error {
	return storeutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO releases (escrow_id, milestone_index, released_amount, tx_id, completed_at, claim_id)
			VALUES ($1, $2, $3, $4, $5, $6::uuid)`,
			e.ID, r.MilestoneIndex, formatUint(r.ReleasedAmount), string(r.TxID), utc(r.CompletedAt),
			nullString(r.ClaimID)); err != nil {
			return fmt.Errorf("inserting release: %v", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET current_milestone_index = $2, updated_at = $3,
			    pending_claim_id = NULL, pending_milestone_index = NULL, pending_amount = NULL, pending_claimed_at = NULL
			WHERE id = $1 AND current_milestone_index = $4 AND pending_claim_id IS NOT DISTINCT FROM $5::uuid`,
			e.ID, e.CurrentMilestoneIndex, utc(e.UpdatedAt), r.MilestoneIndex, nullString(r.ClaimID))
		if err != nil {
			return fmt.Errorf("updating escrow: %v", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("getting affected rows: %v", err)
		} else if n != 1 {
			return fmt.Errorf("escrow %s moved past milestone %d concurrently", e.ID, r.MilestoneIndex)
		}
		return nil
	})
}

// SaveMilestones implements escrow.Store.
func (s *Store) SaveMilestones(ctx context.Context, e *escrow.Escrow) error {
	return storeutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET base = $2, base_index = $3, updated_at = $4
			WHERE id = $1 AND current_milestone_index = $5 AND pending_claim_id IS NULL`,
			e.ID, formatUint(e.Base), e.BaseIndex, utc(e.UpdatedAt), e.CurrentMilestoneIndex)
		if err != nil {
			return fmt.Errorf("updating escrow: %v", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("getting affected rows: %v", err)
		} else if n != 1 {
			var pending bool
			err := tx.QueryRowContext(ctx,
				`SELECT pending_claim_id IS NOT NULL FROM escrows WHERE id = $1`, e.ID).Scan(&pending)
			if err == nil && pending {
				return escrow.ErrReleaseInFlight
			}
			return escrow.ErrEscrowNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM milestones WHERE escrow_id = $1`, e.ID); err != nil {
			return fmt.Errorf("deleting milestones: %v", err)
		}
		return insertMilestones(ctx, tx, e)
	})
}

func insertMilestones(ctx context.Context, tx *sql.Tx, e *escrow.Escrow) error {
	for i, m := range e.Milestones {
		deliverables, err := json.Marshal(m.Deliverables)
		if err != nil {
			return fmt.Errorf("encoding deliverables: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (escrow_id, idx, name, description, percentage, deliverables)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
			e.ID, i, m.Name, m.Description, int64(m.Percentage), string(deliverables)); err != nil {
			return fmt.Errorf("inserting milestone %d: %v", i, err)
		}
	}
	return nil
}

func getMilestones(ctx context.Context, tx *sql.Tx, escrowID string) ([]escrow.Milestone, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT name, description, percentage, deliverables::text
		FROM milestones WHERE escrow_id = $1 ORDER BY idx`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("querying milestones: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var ms []escrow.Milestone
	for rows.Next() {
		var (
			m            escrow.Milestone
			pct          int64
			deliverables string
		)
		if err := rows.Scan(&m.Name, &m.Description, &pct, &deliverables); err != nil {
			return nil, fmt.Errorf("scanning milestone: %v", err)
		}
		if err := json.Unmarshal([]byte(deliverables), &m.Deliverables); err != nil {
			return nil, fmt.Errorf("decoding deliverables: %v", err)
		}
		m.Percentage = uint64(pct)
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

func getReleases(ctx context.Context, tx *sql.Tx, escrowID string) ([]escrow.Release, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT milestone_index, released_amount::text, tx_id, completed_at, COALESCE(claim_id::text, '')
		FROM releases WHERE escrow_id = $1 ORDER BY milestone_index`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("querying releases: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var rs []escrow.Release
	for rows.Next() {
		var (
			r      escrow.Release
			amount string
			txID   string
			at     time.Time
		)
		if err := rows.Scan(&r.MilestoneIndex, &amount, &txID, &at, &r.ClaimID); err != nil {
			return nil, fmt.Errorf("scanning release: %v", err)
		}
		if r.ReleasedAmount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("parsing released amount: %v", err)
		}
		r.TxID, r.CompletedAt = chainapi.TxID(txID), at
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
