// Package evclient is a typed client for the reservation REST API.
package evclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/evreserve/internal/reservation/availability"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/service"
	"github.com/example/evreserve/internal/station/locator"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// Client calls the API on behalf of one bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its timeout is kept as is.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout overrides DefaultTimeout. A client passed to WithHTTPClient is
// copied, never modified.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		c := *cl.http
		c.Timeout = d
		cl.http = &c
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRequest is the booking payload.
type CreateRequest struct {
	StationID     string          `json:"stationId"`
	ConnectorType string          `json:"connectorType"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Vehicle       *domain.Vehicle `json:"vehicleInfo,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

// ListOptions narrows List. Zero values are omitted.
type ListOptions struct {
	Statuses []domain.Status
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

func (c *Client) CheckAvailability(ctx context.Context, stationID, connectorType string, w domain.Window) (availability.Result, error) {
	q := url.Values{}
	q.Set("stationId", stationID)
	q.Set("connectorType", connectorType)
	q.Set("startTime", w.Start.Format(time.RFC3339))
	q.Set("endTime", w.End.Format(time.RFC3339))
	var out availability.Result
	return out, c.do(ctx, http.MethodGet, "/v1/reservations/availability", q, nil, nil, &out)
}

// Create books a connector. A non-empty idempotencyKey makes retries safe.
func (c *Client) Create(ctx context.Context, idempotencyKey string, req CreateRequest) (domain.Reservation, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": {idempotencyKey}}
	}
	var out domain.Reservation
	return out, c.do(ctx, http.MethodPost, "/v1/reservations", nil, headers, req, &out)
}

func (c *Client) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	var out domain.Reservation
	return out, c.do(ctx, http.MethodGet, "/v1/reservations/"+id.String(), nil, nil, nil, &out)
}

func (c *Client) List(ctx context.Context, opts ListOptions) ([]domain.Reservation, error) {
	q := url.Values{}
	for _, s := range opts.Statuses {
		q.Add("status", string(s))
	}
	if !opts.From.IsZero() {
		q.Set("from", opts.From.Format(time.RFC3339))
	}
	if !opts.To.IsZero() {
		q.Set("to", opts.To.Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var out []domain.Reservation
	return out, c.do(ctx, http.MethodGet, "/v1/reservations", q, nil, nil, &out)
}

func (c *Client) Active(ctx context.Context) ([]domain.Reservation, error) {
	var out []domain.Reservation
	return out, c.do(ctx, http.MethodGet, "/v1/reservations/active", nil, nil, nil, &out)
}

// Analytics summarises the last periodDays days; zero uses the server default.
func (c *Client) Analytics(ctx context.Context, periodDays int) (service.Analytics, error) {
	q := url.Values{}
	if periodDays > 0 {
		q.Set("period", strconv.Itoa(periodDays))
	}
	var out service.Analytics
	return out, c.do(ctx, http.MethodGet, "/v1/reservations/analytics", q, nil, nil, &out)
}

func (c *Client) StationSchedule(ctx context.Context, stationID string, from, to time.Time) ([]domain.Reservation, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.RFC3339))
	}
	var out []domain.Reservation
	return out, c.do(ctx, http.MethodGet, "/v1/reservations/station/"+url.PathEscape(stationID), q, nil, nil, &out)
}

func (c *Client) Confirm(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return c.transition(ctx, id, "confirm", nil)
}

func (c *Client) Start(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return c.transition(ctx, id, "start", nil)
}

func (c *Client) Complete(ctx context.Context, id uuid.UUID, metrics *domain.SessionMetrics) (domain.Reservation, error) {
	if metrics == nil {
		return c.transition(ctx, id, "complete", nil)
	}
	return c.transition(ctx, id, "complete", metrics)
}

func (c *Client) Cancel(ctx context.Context, id uuid.UUID, reason string) (domain.Reservation, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out domain.Reservation
	return out, c.do(ctx, http.MethodDelete, "/v1/reservations/"+id.String(), nil, nil, body, &out)
}

func (c *Client) transition(ctx context.Context, id uuid.UUID, action string, body any) (domain.Reservation, error) {
	var out domain.Reservation
	return out, c.do(ctx, http.MethodPatch, "/v1/reservations/"+id.String()+"/"+action, nil, nil, body, &out)
}

func (c *Client) Stations(ctx context.Context) ([]domain.Station, error) {
	var out []domain.Station
	return out, c.do(ctx, http.MethodGet, "/v1/stations", nil, nil, nil, &out)
}

func (c *Client) Station(ctx context.Context, id string) (domain.Station, error) {
	var out domain.Station
	return out, c.do(ctx, http.MethodGet, "/v1/stations/"+url.PathEscape(id), nil, nil, nil, &out)
}

// Nearby returns stations ranked by distance. Zero radius or limit uses the
// server defaults.
func (c *Client) Nearby(ctx context.Context, origin domain.Coordinate, radiusKM float64, limit int) ([]locator.StationWithDistance, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(origin.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(origin.Lng, 'f', -1, 64))
	q.Set("rank", "true")
	if radiusKM > 0 {
		q.Set("radius", strconv.FormatFloat(radiusKM, 'f', -1, 64))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []locator.StationWithDistance
	return out, c.do(ctx, http.MethodGet, "/v1/stations/nearby", q, nil, nil, &out)
}

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func decodeError(resp *http.Response) error {
	var payload apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Code != "" {
		if sentinel := domain.FromCode(payload.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, payload.Message)
		}
	}
	switch {
	case resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", domain.ErrTimeout, resp.StatusCode)
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
