// Package client talks to a trustee node's HTTP API.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"TrusteeBridge/internal/api"
	"TrusteeBridge/internal/bridge"
	syncer "TrusteeBridge/internal/sync"
	"TrusteeBridge/internal/trustee"
)

const (
	defaultTimeout    = 30 * time.Second // defaultTimeout bounds one request
	defaultFollowWait = 5 * time.Second  // defaultFollowWait is the long poll of Follow
)

// Client connects to a trustee node via HTTP.
type Client struct {
	baseURL string       // baseURL is the node root, e.g. "http://127.0.0.1:8080"
	http    *http.Client // http sends the requests
}

// New creates a client for nodeAddr, a host:port or a full URL.
func New(nodeAddr string) *Client {
	base := strings.TrimRight(nodeAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Health returns nil when the node serves and has not faulted.
func (c *Client) Health(ctx context.Context) error {
	return c.httpGet(ctx, "/health", nil)
}

// Status returns the node's state.
func (c *Client) Status(ctx context.Context) (*bridge.Status, error) {
	var st bridge.Status
	if err := c.httpGet(ctx, "/status", &st); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &st, nil
}

// RequestWithdrawal queues a payout and returns its request id.
func (c *Client) RequestWithdrawal(ctx context.Context, outputs []api.Output, fee int64) (string, error) {
	var resp api.WithdrawalAccepted

	req := api.WithdrawalRequest{Outputs: outputs, Fee: fee}
	if err := c.httpPostJSON(ctx, "/withdrawals", req, &resp); err != nil {
		return "", fmt.Errorf("request withdrawal:\n%w", err)
	}

	return resp.ID, nil
}

// Withdrawal returns a request by id.
func (c *Client) Withdrawal(ctx context.Context, id string) (*api.Withdrawal, error) {
	var w api.Withdrawal
	if err := c.httpGet(ctx, "/withdrawals/"+url.PathEscape(id), &w); err != nil {
		return nil, fmt.Errorf("get withdrawal:\n%w", err)
	}

	return &w, nil
}

// CancelWithdrawal cancels a pending or signing request.
func (c *Client) CancelWithdrawal(ctx context.Context, id string) (*api.Withdrawal, error) {
	var w api.Withdrawal
	if err := c.httpDo(ctx, http.MethodDelete, "/withdrawals/"+url.PathEscape(id), nil, &w); err != nil {
		return nil, fmt.Errorf("cancel withdrawal:\n%w", err)
	}

	return &w, nil
}

// SubmitHeaders sends serialized headers in chain order.
func (c *Client) SubmitHeaders(ctx context.Context, raws [][]byte) (*api.HeadersResult, error) {
	req := api.HeadersRequest{Headers: make([]string, len(raws))}
	for i, raw := range raws {
		req.Headers[i] = hex.EncodeToString(raw)
	}

	var res api.HeadersResult
	if err := c.httpPostJSON(ctx, "/headers", req, &res); err != nil {
		return nil, fmt.Errorf("submit headers:\n%w", err)
	}

	return &res, nil
}

// SubmitDeposit sends an inclusion proof.
func (c *Client) SubmitDeposit(ctx context.Context, req api.DepositRequest) (*api.DepositResult, error) {
	var res api.DepositResult
	if err := c.httpPostJSON(ctx, "/deposits", req, &res); err != nil {
		return nil, fmt.Errorf("submit deposit:\n%w", err)
	}

	return &res, nil
}

// UnclaimedDeposits lists confirmed deposits that wait for a binding.
func (c *Client) UnclaimedDeposits(ctx context.Context) ([]bridge.Unclaimed, error) {
	var out []bridge.Unclaimed
	if err := c.httpGet(ctx, "/deposits/unclaimed", &out); err != nil {
		return nil, fmt.Errorf("list unclaimed deposits:\n%w", err)
	}

	return out, nil
}

// BindAddress binds a Bitcoin address to an account and returns how many
// unclaimed deposits it credited.
func (c *Client) BindAddress(ctx context.Context, addr, account string) (int, error) {
	var res api.BindingResult

	req := api.BindingRequest{Address: addr, Account: account}
	if err := c.httpPostJSON(ctx, "/bindings", req, &res); err != nil {
		return 0, fmt.Errorf("bind address:\n%w", err)
	}

	return res.Credited, nil
}

// AnnounceTrusteeSet starts a rotation to next.
func (c *Client) AnnounceTrusteeSet(ctx context.Context, next *trustee.Set) (*api.RotationAccepted, error) {
	var res api.RotationAccepted
	if err := c.httpPostJSON(ctx, "/trustees", next, &res); err != nil {
		return nil, fmt.Errorf("announce trustee set:\n%w", err)
	}

	return &res, nil
}

// Acknowledge relays an incoming member's acknowledgement.
func (c *Client) Acknowledge(ctx context.Context, id, signature []byte) error {
	req := api.AckRequest{
		ID:        hex.EncodeToString(id),
		Signature: hex.EncodeToString(signature),
	}

	if err := c.httpPostJSON(ctx, "/trustees/ack", req, nil); err != nil {
		return fmt.Errorf("acknowledge:\n%w", err)
	}

	return nil
}

// Events returns events past since, waiting up to wait for one.
func (c *Client) Events(ctx context.Context, since uint64, wait time.Duration) (*api.Events, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	if wait > 0 {
		q.Set("wait", wait.String())
	}

	var res api.Events
	if err := c.httpGet(ctx, "/events?"+q.Encode(), &res); err != nil {
		return nil, fmt.Errorf("get events:\n%w", err)
	}

	return &res, nil
}

// Follow long-polls events past since and hands them to fn in order until
// ctx ends or fn fails.
func (c *Client) Follow(ctx context.Context, since uint64, wait time.Duration, fn func(bridge.Event) error) error {
	if wait <= 0 {
		wait = defaultFollowWait
	}

	for {
		res, err := c.Events(ctx, since, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, e := range res.Events {
			if err := fn(e); err != nil {
				return err
			}
			since = e.Seq
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Snapshot downloads, checks and decodes the node's header snapshot.
func (c *Client) Snapshot(ctx context.Context) (*syncer.Snapshot, error) {
	resp, err := c.send(ctx, http.MethodGet, "/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("get snapshot:\n%w", err)
	}
	defer resp.Body.Close()

	compressed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot:\n%w", err)
	}

	data, err := syncer.DecompressSnapshot(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	return syncer.ParseSnapshot(data)
}
