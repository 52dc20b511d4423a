// Package live is the REST and WebSocket adapter for a real broker account.
package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/tradebot/internal/crypto"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/retry"
)

// HeaderIdempotencyKey carries the order's idempotency key on submission.
const HeaderIdempotencyKey = "Idempotency-Key"

// Config configures the live adapter.
type Config struct {
	BaseURL string // REST root, e.g. "https://api.broker.example"
	WSURL   string // fill stream; empty disables streaming
	Timeout time.Duration

	// Stream reconnection.
	Backoff       retry.Backoff
	MaxReconnects int
	FillBuffer    int
}

// Client implements domain.BrokerAdapter, domain.PositionReporter and
// domain.FillStreamer against the broker's HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	auth       *crypto.HMACAuth
	logger     *slog.Logger
	events     domain.EventSink
	sleep      retry.Sleeper
	fills      chan domain.Fill
}

// New creates a live broker client. auth may be nil for unauthenticated
// sandboxes.
func New(cfg Config, auth *crypto.HMACAuth, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FillBuffer <= 0 {
		cfg.FillBuffer = 256
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		auth:       auth,
		logger:     logger.With(slog.String("component", "live_broker")),
		events:     domain.NopSink{},
		sleep:      retry.Sleep,
		fills:      make(chan domain.Fill, cfg.FillBuffer),
	}
}

// SetEventSink routes connection_lost events from the fill stream.
func (c *Client) SetEventSink(sink domain.EventSink) {
	if sink != nil {
		c.events = sink
	}
}

// SetSleeper replaces the reconnect sleeper.
func (c *Client) SetSleeper(s retry.Sleeper) {
	if s != nil {
		c.sleep = s
	}
}

type submitBody struct {
	ClientOrderID string  `json:"client_order_id"`
	Instrument    string  `json:"instrument"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	Type          string  `json:"type"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
}

type orderResponse struct {
	OrderID      string         `json:"order_id"`
	State        string         `json:"state"`
	FilledQty    float64        `json:"filled_qty"`
	AvgFillPrice float64        `json:"avg_fill_price"`
	Reason       string         `json:"reason"`
	Fills        []fillResponse `json:"fills"`
}

type fillResponse struct {
	FillID     string    `json:"fill_id"`
	OrderID    string    `json:"order_id"`
	ClientID   string    `json:"client_order_id"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
}

func (f fillResponse) toDomain() domain.Fill {
	return domain.Fill{
		ID:            f.FillID,
		OrderID:       f.ClientID,
		BrokerOrderID: f.OrderID,
		Instrument:    f.Instrument,
		Side:          domain.OrderSide(strings.ToLower(f.Side)),
		Quantity:      f.Quantity,
		Price:         f.Price,
		Time:          f.Time,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	OrderID string `json:"order_id"`
}

// Submit places an order. A 409 carrying the original order id means the
// broker already accepted this idempotency key; it is returned as a
// duplicate acknowledgement.
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitAck, error) {
	body := submitBody{
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		Type:          string(req.Type),
		LimitPrice:    req.LimitPrice,
	}
	headers := map[string]string{HeaderIdempotencyKey: req.IdempotencyKey}

	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/orders", body, headers)
	if err != nil {
		return domain.SubmitAck{}, err
	}

	if status == http.StatusConflict {
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.OrderID != "" {
			return domain.SubmitAck{BrokerOrderID: e.OrderID, Duplicate: true}, nil
		}
	}
	if err := checkHTTPStatus("submit", status, respBody); err != nil {
		return domain.SubmitAck{}, err
	}

	var out orderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.SubmitAck{}, fmt.Errorf("live: decode submit response: %w", err)
	}
	if out.OrderID == "" {
		return domain.SubmitAck{}, &domain.BrokerRejection{Code: "bad_response", Message: "missing order_id"}
	}
	return domain.SubmitAck{BrokerOrderID: out.OrderID}, nil
}

// Cancel requests cancellation of a working order.
func (c *Client) Cancel(ctx context.Context, brokerOrderID string) error {
	status, respBody, err := c.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil)
	if err != nil {
		return fmt.Errorf("live: cancel %s: %w", brokerOrderID, err)
	}
	if err := checkHTTPStatus("cancel", status, respBody); err != nil {
		return fmt.Errorf("live: cancel %s: %w", brokerOrderID, err)
	}
	return nil
}

// QueryStatus fetches the broker's view of one order.
func (c *Client) QueryStatus(ctx context.Context, brokerOrderID string) (domain.BrokerOrderStatus, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil)
	if err != nil {
		return domain.BrokerOrderStatus{}, fmt.Errorf("live: status %s: %w", brokerOrderID, err)
	}
	if err := checkHTTPStatus("status", status, respBody); err != nil {
		return domain.BrokerOrderStatus{}, fmt.Errorf("live: status %s: %w", brokerOrderID, err)
	}

	var out orderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.BrokerOrderStatus{}, fmt.Errorf("live: decode order: %w", err)
	}
	st := domain.BrokerOrderStatus{
		BrokerOrderID: out.OrderID,
		State:         mapState(out.State),
		FilledQty:     out.FilledQty,
		AvgFillPrice:  out.AvgFillPrice,
		Reason:        out.Reason,
	}
	for _, f := range out.Fills {
		df := f.toDomain()
		if df.BrokerOrderID == "" {
			df.BrokerOrderID = out.OrderID
		}
		st.Fills = append(st.Fills, df)
	}
	return st, nil
}

// Positions returns net quantity per instrument held at the broker.
func (c *Client) Positions(ctx context.Context) (map[string]float64, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/v1/positions", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("live: positions: %w", err)
	}
	if err := checkHTTPStatus("positions", status, respBody); err != nil {
		return nil, fmt.Errorf("live: positions: %w", err)
	}

	var out struct {
		Positions []struct {
			Instrument string  `json:"instrument"`
			Quantity   float64 `json:"quantity"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("live: decode positions: %w", err)
	}
	pos := make(map[string]float64, len(out.Positions))
	for _, p := range out.Positions {
		if p.Quantity != 0 {
			pos[p.Instrument] += p.Quantity
		}
	}
	return pos, nil
}

// do builds, signs, sends and reads a request. Transport failures come
// back as *domain.ConnectionError; HTTP status handling is left to the
// caller.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (int, []byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("live: marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("live: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &domain.ConnectionError{Op: strings.ToLower(method) + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &domain.ConnectionError{Op: "read " + path, Err: err}
	}
	return resp.StatusCode, respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Server-side
// failures and throttling are retryable connection errors; any other 4xx
// is a terminal rejection.
func checkHTTPStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var e errorResponse
	_ = json.Unmarshal(body, &e)
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case statusCode >= 500:
		return &domain.ConnectionError{Op: op, Err: fmt.Errorf("HTTP %d: %s", statusCode, msg)}
	case statusCode == http.StatusTooManyRequests:
		return &domain.ConnectionError{Op: op, Err: fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)}
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &domain.BrokerRejection{Code: "unauthorized", Message: msg, Err: domain.ErrUnauthorized}
	default:
		code := e.Code
		if code == "" {
			code = fmt.Sprintf("http_%d", statusCode)
		}
		return &domain.BrokerRejection{Code: code, Message: msg}
	}
}

func mapState(s string) domain.OrderState {
	switch strings.ToLower(s) {
	case "partially_filled", "partial":
		return domain.OrderStatePartiallyFilled
	case "filled":
		return domain.OrderStateFilled
	case "cancelled", "canceled", "expired":
		return domain.OrderStateCancelled
	case "rejected":
		return domain.OrderStateRejectedBroker
	default:
		return domain.OrderStateSubmitted
	}
}

var (
	_ domain.BrokerAdapter    = (*Client)(nil)
	_ domain.FillStreamer     = (*Client)(nil)
	_ domain.PositionReporter = (*Client)(nil)
)
