package chainapi

import (
	"context"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/cenkalti/backoff/v4"
	golog "github.com/ipfs/go-log/v2"
)

var log = golog.Logger("bidcore/chainapi")

// RetryConfig bounds SubmitWithRetry.
type RetryConfig struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig retries a submission up to 5 times starting at 1s.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
}

// SubmitWithRetry calls SignAndSubmit, retrying external failures with
// exponential backoff. Validation, phase and integrity errors and ledger
// rejections are returned immediately since retrying can't fix them.
func SubmitWithRetry(ctx context.Context, s Signer, tx UnsignedTx, conf RetryConfig) (TxID, error) {
	if conf.MaxAttempts == 0 {
		conf.MaxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if conf.InitialInterval > 0 {
		eb.InitialInterval = conf.InitialInterval
	}
	if conf.MaxInterval > 0 {
		eb.MaxInterval = conf.MaxInterval
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, conf.MaxAttempts-1), ctx)

	var (
		id      TxID
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		var err error
		id, err = SignAndSubmit(ctx, s, tx)
		if err == nil {
			return nil
		}
		if !auction.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Warnf("%s transaction attempt %d failed: %v", tx.Kind, attempt, err)
		return err
	}, b)
	if err != nil {
		return "", err
	}
	return id, nil
}
