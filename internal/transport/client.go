// Package transport is the HTTP client for the central compliance
// service: evidence upload, rule sync, update-order polling, and
// periodic check-ins. Every call is bounded by a timeout and wrapped in
// retries and a circuit breaker; transport failures are never fatal to
// the agent, which keeps working from its local queue.
package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"github.com/driftmend/driftmend/internal/safefile"
	"github.com/driftmend/driftmend/internal/update"
)

// UploadStatus is the server's disposition of an evidence upload.
type UploadStatus int

const (
	// UploadAccepted means the server stored the bundle.
	UploadAccepted UploadStatus = iota
	// UploadDuplicate means the server already has this bundle id; the
	// caller treats it like success.
	UploadDuplicate
	// UploadRejected means the server refused the bundle permanently
	// (malformed, bad signature). Retrying cannot help.
	UploadRejected
)

func (s UploadStatus) String() string {
	switch s {
	case UploadAccepted:
		return "accepted"
	case UploadDuplicate:
		return "duplicate"
	case UploadRejected:
		return "rejected"
	}
	return "unknown"
}

// Health is the agent-side status reported on each check-in.
type Health struct {
	HostID          string    `json:"host_id"`
	AgentVersion    string    `json:"agent_version"`
	ActivePartition string    `json:"active_partition"`
	QueueDepth      int       `json:"queue_depth"`
	QueueExhausted  int       `json:"queue_exhausted"`
	OpenTickets     int       `json:"open_tickets"`
	FlapTrips       int       `json:"flap_trips"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// Client talks to the central service. A nil *Client is valid and
// reports ErrOffline from every call, which lets the agent run fully
// air-gapped.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// ErrOffline is returned when no transport is configured.
var ErrOffline = fmt.Errorf("transport not configured")

// New builds a client. The bearer token is read from tokenFile at
// construction; an empty tokenFile means unauthenticated requests.
func New(baseURL, tokenFile string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	token := ""
	if tokenFile != "" {
		data, err := safefile.ReadFileMax(tokenFile, 16*1024)
		if err != nil {
			return nil, fmt.Errorf("reading transport token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "central-service",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("transport circuit breaker state change",
				"from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		cb:      cb,
		logger:  logger,
	}, nil
}

// UploadEvidence posts one sealed bundle with its detached signature.
// The server's HTTP status maps to the tri-state disposition: 2xx
// accepted, 409 duplicate, 400/422 rejected. Everything else is a
// transient error worth retrying later.
func (c *Client) UploadEvidence(ctx context.Context, bundleID string, bundle []byte, sigB64 string) (UploadStatus, error) {
	if c == nil {
		return 0, ErrOffline
	}
	body, err := json.Marshal(map[string]any{
		"bundle":    json.RawMessage(bundle),
		"signature": sigB64,
	})
	if err != nil {
		return 0, fmt.Errorf("encoding upload: %w", err)
	}

	var status UploadStatus
	err = c.call(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPost, "/v1/evidence", body)
		if err != nil {
			return err
		}
		defer drain(resp)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			status = UploadAccepted
			return nil
		case resp.StatusCode == http.StatusConflict:
			status = UploadDuplicate
			return nil
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
			status = UploadRejected
			return nil
		default:
			return fmt.Errorf("uploading bundle %s: server returned %d", bundleID, resp.StatusCode)
		}
	})
	if err != nil {
		return 0, err
	}
	return status, nil
}

// SyncRules fetches the current synced rule set as raw JSON. The caller
// parses, validates, and caches it; a malformed set must never replace
// a good one.
func (c *Client) SyncRules(ctx context.Context) ([]byte, error) {
	if c == nil {
		return nil, ErrOffline
	}
	var rules []byte
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/v1/rules", nil)
		if err != nil {
			return err
		}
		defer drain(resp)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("syncing rules: server returned %d", resp.StatusCode)
		}
		rules, err = io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// PollOrders fetches pending update orders and verifies each against
// the orders public key. Orders failing verification or past their TTL
// are logged and dropped, never actioned.
func (c *Client) PollOrders(ctx context.Context, hostID string, pub ed25519.PublicKey, now time.Time) ([]update.Order, error) {
	if c == nil {
		return nil, ErrOffline
	}
	var raw []update.Order
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/v1/orders?host_id="+hostID, nil)
		if err != nil {
			return err
		}
		defer drain(resp)
		if resp.StatusCode == http.StatusNoContent {
			raw = nil
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("polling orders: server returned %d", resp.StatusCode)
		}
		return json.NewDecoder(io.LimitReader(resp.Body, 1024*1024)).Decode(&raw)
	})
	if err != nil {
		return nil, err
	}

	verified := raw[:0]
	for _, o := range raw {
		if err := o.Verify(pub, now); err != nil {
			c.logger.Error("rejecting update order", "order_id", o.OrderID, "error", err)
			continue
		}
		verified = append(verified, o)
	}
	return verified, nil
}

// Checkin reports agent health. Best effort: one attempt, no retries,
// because the next cycle sends a fresh one anyway.
func (c *Client) Checkin(ctx context.Context, h Health) error {
	if c == nil {
		return ErrOffline
	}
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding check-in: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/checkin", body)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("check-in: server returned %d", resp.StatusCode)
	}
	return nil
}

// call runs fn through the circuit breaker with bounded exponential
// backoff retries.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, r.Do(func() error {
			return fn(ctx)
		})
	})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
