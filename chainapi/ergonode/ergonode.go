package ergonode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentbazaar/bidcore/chainapi"
	golog "github.com/ipfs/go-log/v2"
)

var log = golog.Logger("bidcore/ergonode")

// Config configures a node client.
type Config struct {
	// URL is the base URL of the node REST API, e.g. http://127.0.0.1:9053.
	URL string
	// APIKey is sent in the api_key header to the wallet endpoints.
	APIKey string
	// Timeout bounds every request.
	Timeout time.Duration
}

// Client talks to the REST API of a ledger node with an unlocked wallet.
// It implements chainapi.Signer and chainapi.HeightOracle.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

var (
	_ chainapi.Signer       = (*Client)(nil)
	_ chainapi.HeightOracle = (*Client)(nil)
)

// New returns a new Client.
func New(conf Config) (*Client, error) {
	base, err := url.Parse(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing node url: %v", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("node url scheme %q isn't supported", base.Scheme)
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 30 * time.Second
	}
	return &Client{
		base:   base,
		apiKey: conf.APIKey,
		http:   &http.Client{Timeout: conf.Timeout},
	}, nil
}

type nodeInfo struct {
	FullHeight *uint64 `json:"fullHeight"`
}

// CurrentHeight implements chainapi.HeightOracle.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	var info nodeInfo
	if err := c.do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return 0, err
	}
	if info.FullHeight == nil {
		return 0, errors.New("node hasn't synced any block yet")
	}
	return *info.FullHeight, nil
}

type txRequest struct {
	Kind           string            `json:"kind"`
	TaskID         string            `json:"taskId"`
	BoxID          string            `json:"boxId,omitempty"`
	Bidder         string            `json:"bidder,omitempty"`
	Amount         uint64            `json:"amount,omitempty"`
	CommitHash     string            `json:"commitHash,omitempty"`
	Salt           string            `json:"salt,omitempty"`
	CommitDeadline uint64            `json:"commitDeadline,omitempty"`
	RefundDeadline uint64            `json:"refundDeadline,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
}

type signRequest struct {
	Tx txRequest `json:"tx"`
}

// Sign asks the node wallet to build and sign tx. The signed transaction
// is returned as the node encodes it.
func (c *Client) Sign(ctx context.Context, tx chainapi.UnsignedTx) (chainapi.SignedTx, error) {
	req := signRequest{Tx: txRequest{
		Kind:           tx.Kind.String(),
		TaskID:         string(tx.TaskID),
		BoxID:          string(tx.BoxID),
		Bidder:         tx.Bidder,
		Amount:         tx.Amount,
		CommitDeadline: tx.CommitDeadline,
		RefundDeadline: tx.RefundDeadline,
		Payload:        tx.Payload,
	}}
	if !tx.CommitHash.IsZero() {
		req.Tx.CommitHash = tx.CommitHash.String()
	}
	if tx.Kind == chainapi.TxReveal {
		req.Tx.Salt = tx.Salt.Hex()
	}
	var signed json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/wallet/transaction/sign", req, &signed); err != nil {
		return chainapi.SignedTx{}, err
	}
	return chainapi.SignedTx{Kind: tx.Kind, Raw: signed}, nil
}

// Submit broadcasts a signed transaction and returns its id.
func (c *Client) Submit(ctx context.Context, tx chainapi.SignedTx) (chainapi.TxID, error) {
	var id string
	if err := c.do(ctx, http.MethodPost, "/transactions", json.RawMessage(tx.Raw), &id); err != nil {
		return "", err
	}
	log.Debugf("submitted %s transaction %s", tx.Kind, id)
	return chainapi.TxID(id), nil
}

type apiError struct {
	Error  int    `json:"error"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("building http request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api_key", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending http request: %v", err)
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			log.Errorf("closing http response: %v", err)
		}
	}()
	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading http response: %v", err)
	}

	if res.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Reason != "" {
			err = fmt.Errorf("%s %s: %s: %s", method, path, apiErr.Reason, apiErr.Detail)
		} else {
			err = fmt.Errorf("%s %s returned status %d", method, path, res.StatusCode)
		}
		if isRejection(res.StatusCode) {
			return fmt.Errorf("%w: %v", chainapi.ErrRejected, err)
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response of %s %s: %v", method, path, err)
	}
	return nil
}

// isRejection reports whether the node refused the request itself. Rate
// limits and request timeouts are transient.
func isRejection(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return false
	}
	return status >= 400 && status < 500
}
