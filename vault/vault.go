package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	golog "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
)

var (
	log = golog.Logger("bidcore/vault")

	// ErrSecretNotFound indicates no secret is stored for the requested box.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretConflict indicates a different secret is already stored for the box.
	ErrSecretConflict = errors.New("a different secret is already stored for box")

	// ErrPendingNotFound indicates the requested staged secret was not found.
	ErrPendingNotFound = errors.New("pending secret not found")

	// biddersPrefix namespaces every key by bidder identity.
	// Structure: /bidders/<bidder_address>/...
	biddersPrefix = ds.NewKey("/bidders")

	// secretsPrefix is the prefix for confirmed secrets.
	// Structure: /secrets/<task_id>/<box_id> -> SecretRecord.
	secretsPrefix = ds.NewKey("/secrets")

	// boxesPrefix indexes box ids to their task.
	// Structure: /boxes/<box_id> -> task_id.
	boxesPrefix = ds.NewKey("/boxes")

	// pendingPrefix is the prefix for secrets staged before the commit transaction is confirmed.
	// Structure: /pending/<task_id>/<pending_id> -> PendingSecret.
	pendingPrefix = ds.NewKey("/pending")
)

// SecretRecord is the material needed to reveal a sealed bid. It never leaves
// the bidder's machine before the reveal transaction.
type SecretRecord struct {
	TaskID    auction.TaskID
	BoxID     auction.BoxID
	Salt      auction.Salt
	BidAmount uint64
	CreatedAt time.Time
}

// String implements fmt.Stringer with the salt redacted.
func (r SecretRecord) String() string {
	return fmt.Sprintf("{task:%s box:%s amount:%d salt:<redacted>}", r.TaskID, r.BoxID, r.BidAmount)
}

// PendingSecret is a secret staged before its box id is known.
type PendingSecret struct {
	ID         string
	TaskID     auction.TaskID
	CommitHash auction.Digest
	Salt       auction.Salt
	BidAmount  uint64
	CreatedAt  time.Time
}

// String implements fmt.Stringer with the salt redacted.
func (p PendingSecret) String() string {
	return fmt.Sprintf("{id:%s task:%s commit:%s amount:%d salt:<redacted>}", p.ID, p.TaskID, p.CommitHash, p.BidAmount)
}

// Vault persists bid secrets for one bidder identity.
type Vault struct {
	store   ds.Batching
	bidder  string
	entropy *ulid.MonotonicEntropy

	// lk makes read-modify-write sequences atomic per vault.
	lk sync.Mutex
}

// New returns a Vault scoped to bidder on top of store.
func New(store ds.Batching, bidder string) (*Vault, error) {
	if store == nil {
		return nil, errors.New("datastore is nil")
	}
	if err := validateID("bidder", bidder); err != nil {
		return nil, err
	}
	return &Vault{
		store:  namespace.Wrap(store, biddersPrefix.ChildString(bidder)),
		bidder: bidder,
	}, nil
}

// Bidder returns the identity the vault is scoped to.
func (v *Vault) Bidder() string {
	return v.bidder
}

// StoreSalt persists the secret of the bid locked in boxID. Storing the same
// secret again is a no-op; storing a different one for a known box fails with
// ErrSecretConflict.
func (v *Vault) StoreSalt(ctx context.Context, taskID auction.TaskID, boxID auction.BoxID, salt auction.Salt, amount uint64) error {
	if err := validateID("task id", string(taskID)); err != nil {
		return err
	}
	if err := validateID("box id", string(boxID)); err != nil {
		return err
	}

	v.lk.Lock()
	defer v.lk.Unlock()

	b, err := v.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("creating batch: %v", err)
	}
	rec := SecretRecord{TaskID: taskID, BoxID: boxID, Salt: salt, BidAmount: amount}
	written, err := v.putSecret(ctx, b, rec)
	if err != nil {
		return err
	}
	if !written {
		return nil
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}

	log.Debugf("stored secret for box %s of task %s", boxID, taskID)
	return nil
}

// putSecret adds rec to the batch unless an identical record exists.
// It must be called with v.lk held.
func (v *Vault) putSecret(ctx context.Context, b ds.Batch, rec SecretRecord) (bool, error) {
	existing, err := v.getSecret(ctx, rec.BoxID)
	switch {
	case err == nil:
		if existing.TaskID == rec.TaskID && existing.Salt == rec.Salt && existing.BidAmount == rec.BidAmount {
			return false, nil
		}
		return false, fmt.Errorf("storing secret for box %s: %w", rec.BoxID, ErrSecretConflict)
	case !errors.Is(err, ErrSecretNotFound):
		return false, err
	}

	rec.CreatedAt = time.Now()
	val, err := encode(rec)
	if err != nil {
		return false, fmt.Errorf("encoding secret: %v", err)
	}
	if err := b.Put(ctx, secretKey(rec.TaskID, rec.BoxID), val); err != nil {
		return false, fmt.Errorf("putting secret: %v", err)
	}
	if err := b.Put(ctx, boxesPrefix.ChildString(string(rec.BoxID)), []byte(rec.TaskID)); err != nil {
		return false, fmt.Errorf("putting box index: %v", err)
	}
	return true, nil
}

// GetSaltForBox returns the secret of the bid locked in boxID.
func (v *Vault) GetSaltForBox(ctx context.Context, boxID auction.BoxID) (*SecretRecord, error) {
	if err := validateID("box id", string(boxID)); err != nil {
		return nil, err
	}
	return v.getSecret(ctx, boxID)
}

func (v *Vault) getSecret(ctx context.Context, boxID auction.BoxID) (*SecretRecord, error) {
	taskID, err := v.store.Get(ctx, boxesPrefix.ChildString(string(boxID)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrSecretNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting box index: %v", err)
	}
	val, err := v.store.Get(ctx, secretKey(auction.TaskID(taskID), boxID))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrSecretNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting secret: %v", err)
	}
	var rec SecretRecord
	if err := decode(val, &rec); err != nil {
		return nil, fmt.Errorf("decoding secret: %v", err)
	}
	return &rec, nil
}

// GetSaltsForTask returns every confirmed secret this bidder holds for taskID.
func (v *Vault) GetSaltsForTask(ctx context.Context, taskID auction.TaskID) ([]SecretRecord, error) {
	if err := validateID("task id", string(taskID)); err != nil {
		return nil, err
	}
	var list []SecretRecord
	err := v.query(ctx, secretsPrefix.ChildString(string(taskID)), func(val []byte) error {
		var rec SecretRecord
		if err := decode(val, &rec); err != nil {
			return err
		}
		list = append(list, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("listed %d secrets for task %s", len(list), taskID)
	return list, nil
}

// StagePending stores a secret before its commit transaction is submitted.
// Once the ledger shows the box holding the commitment, ConfirmPending moves
// the secret under its box id. A failed submission leaves the staged secret in
// place, so nothing already stored is ever lost.
func (v *Vault) StagePending(
	ctx context.Context,
	taskID auction.TaskID,
	digest auction.Digest,
	salt auction.Salt,
	amount uint64) (string, error) {
	if err := validateID("task id", string(taskID)); err != nil {
		return "", err
	}
	if digest.IsZero() {
		return "", auction.NewValidationError("commit hash is empty")
	}

	v.lk.Lock()
	defer v.lk.Unlock()

	id, err := v.newID(time.Now())
	if err != nil {
		return "", err
	}
	p := PendingSecret{
		ID:         id,
		TaskID:     taskID,
		CommitHash: digest,
		Salt:       salt,
		BidAmount:  amount,
		CreatedAt:  time.Now(),
	}
	val, err := encode(p)
	if err != nil {
		return "", fmt.Errorf("encoding pending secret: %v", err)
	}
	if err := v.store.Put(ctx, pendingKey(taskID, id), val); err != nil {
		return "", fmt.Errorf("putting pending secret: %v", err)
	}

	log.Debugf("staged pending secret %s for task %s", id, taskID)
	return id, nil
}

// ListPending returns the staged secrets of taskID, oldest first.
func (v *Vault) ListPending(ctx context.Context, taskID auction.TaskID) ([]PendingSecret, error) {
	if err := validateID("task id", string(taskID)); err != nil {
		return nil, err
	}
	var list []PendingSecret
	err := v.query(ctx, pendingPrefix.ChildString(string(taskID)), func(val []byte) error {
		var p PendingSecret
		if err := decode(val, &p); err != nil {
			return err
		}
		list = append(list, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// ConfirmPending moves a staged secret under the box id the ledger assigned.
func (v *Vault) ConfirmPending(ctx context.Context, taskID auction.TaskID, pendingID string, boxID auction.BoxID) error {
	if err := validateID("box id", string(boxID)); err != nil {
		return err
	}

	v.lk.Lock()
	defer v.lk.Unlock()

	key := pendingKey(taskID, pendingID)
	val, err := v.store.Get(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return ErrPendingNotFound
	} else if err != nil {
		return fmt.Errorf("getting pending secret: %v", err)
	}
	var p PendingSecret
	if err := decode(val, &p); err != nil {
		return fmt.Errorf("decoding pending secret: %v", err)
	}

	b, err := v.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("creating batch: %v", err)
	}
	rec := SecretRecord{TaskID: p.TaskID, BoxID: boxID, Salt: p.Salt, BidAmount: p.BidAmount}
	if _, err := v.putSecret(ctx, b, rec); err != nil {
		return err
	}
	if err := b.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting pending secret: %v", err)
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}

	log.Debugf("confirmed pending secret %s as box %s", pendingID, boxID)
	return nil
}

// DiscardPending deletes a staged secret whose bid was abandoned before commitment.
func (v *Vault) DiscardPending(ctx context.Context, taskID auction.TaskID, pendingID string) error {
	v.lk.Lock()
	defer v.lk.Unlock()

	key := pendingKey(taskID, pendingID)
	if _, err := v.store.Get(ctx, key); errors.Is(err, ds.ErrNotFound) {
		return ErrPendingNotFound
	} else if err != nil {
		return fmt.Errorf("getting pending secret: %v", err)
	}
	if err := v.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting pending secret: %v", err)
	}
	return nil
}

// Purge deletes the secret of boxID once its reveal or refund is confirmed.
func (v *Vault) Purge(ctx context.Context, boxID auction.BoxID) error {
	v.lk.Lock()
	defer v.lk.Unlock()

	idx := boxesPrefix.ChildString(string(boxID))
	taskID, err := v.store.Get(ctx, idx)
	if errors.Is(err, ds.ErrNotFound) {
		return ErrSecretNotFound
	} else if err != nil {
		return fmt.Errorf("getting box index: %v", err)
	}

	b, err := v.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("creating batch: %v", err)
	}
	if err := b.Delete(ctx, secretKey(auction.TaskID(taskID), boxID)); err != nil {
		return fmt.Errorf("deleting secret: %v", err)
	}
	if err := b.Delete(ctx, idx); err != nil {
		return fmt.Errorf("deleting box index: %v", err)
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}

	log.Debugf("purged secret for box %s", boxID)
	return nil
}

func (v *Vault) query(ctx context.Context, prefix ds.Key, fn func(val []byte) error) error {
	results, err := v.store.Query(ctx, dsq.Query{
		Prefix: prefix.String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return fmt.Errorf("querying %s: %v", prefix, err)
	}
	defer func() { _ = results.Close() }()

	for res := range results.Next() {
		if res.Error != nil {
			return fmt.Errorf("getting next result: %v", res.Error)
		}
		if err := fn(res.Value); err != nil {
			return fmt.Errorf("decoding value: %v", err)
		}
	}
	return nil
}

// newID returns monotonically increasing ids. It must be called with v.lk held.
func (v *Vault) newID(t time.Time) (string, error) {
	if v.entropy == nil {
		v.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), v.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		v.entropy = nil
		return v.newID(t)
	} else if err != nil {
		return "", fmt.Errorf("generating id: %v", err)
	}
	return strings.ToLower(id.String()), nil
}

func secretKey(taskID auction.TaskID, boxID auction.BoxID) ds.Key {
	return secretsPrefix.ChildString(string(taskID)).ChildString(string(boxID))
}

func pendingKey(taskID auction.TaskID, id string) ds.Key {
	return pendingPrefix.ChildString(string(taskID)).ChildString(id)
}

func validateID(name, id string) error {
	if id == "" {
		return auction.NewValidationError(name + " is empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return auction.NewValidationError(name + " must not contain path separators")
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v []byte, out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(v)).Decode(out)
}
