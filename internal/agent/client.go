// Package agent runs on a ship: it registers with the shore coordinator,
// polls for pending updates, applies them and reports health.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// ErrUnreachable is returned when the shore cannot be contacted at all.
var ErrUnreachable = errors.New("shore unreachable")

// Shore is the coordinator API as seen from a ship.
type Shore interface {
	// Register announces the ship and returns the coordinator's view of it.
	Register(ctx context.Context, req *models.RegistrationRequest) (*models.Ship, error)
	// PendingUpdates returns updates waiting for this ship.
	PendingUpdates(ctx context.Context, shipID string) ([]models.UpdateRequest, error)
	// ReportStatus reports progress or the outcome of an update.
	ReportStatus(ctx context.Context, updateID string, report *models.UpdateStatusReport) error
	// ReportHealth sends a health report and returns the derived ship status.
	ReportHealth(ctx context.Context, m *models.ShipMetrics) (models.ShipStatus, error)
}

// StatusError is a non-2xx answer from the shore.
type StatusError struct {
	Code    int
	APICode string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("shore returned %d (%s): %s", e.Code, e.APICode, e.Message)
	}
	return fmt.Sprintf("shore returned %d", e.Code)
}

// IsUnknownShip reports whether the shore answered 404, meaning it has no
// record of this ship and the agent has to register again.
func IsUnknownShip(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// ClientConfig holds configuration for the shore client.
type ClientConfig struct {
	// BaseURL is the coordinator endpoint, e.g. https://shore.example.com.
	BaseURL string
	// APIToken is sent as a bearer token when set.
	APIToken string
	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// UserAgent identifies the agent build.
	UserAgent string
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		UserAgent:      "fleet-agent",
	}
}

// Client talks to the coordinator's REST API.
type Client struct {
	base   *url.URL
	config *ClientConfig
	http   *http.Client
	logger *slog.Logger
}

var _ Shore = (*Client)(nil)

// NewClient creates a shore client.
func NewClient(config *ClientConfig, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid shore endpoint %q", config.BaseURL)
	}
	return &Client{
		base:   base,
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}, nil
}

// Register implements Shore.
func (c *Client) Register(ctx context.Context, req *models.RegistrationRequest) (*models.Ship, error) {
	var ship models.Ship
	if err := c.do(ctx, "register", http.MethodPost, "/api/v1/ships/register", req, &ship); err != nil {
		return nil, err
	}
	return &ship, nil
}

// PendingUpdates implements Shore. A ship the shore does not know yields an
// error matching IsUnknownShip.
func (c *Client) PendingUpdates(ctx context.Context, shipID string) ([]models.UpdateRequest, error) {
	var updates []models.UpdateRequest
	if err := c.do(ctx, "pending_updates", http.MethodGet, "/api/v1/ships/"+url.PathEscape(shipID)+"/updates/pending", nil, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// ReportStatus implements Shore.
func (c *Client) ReportStatus(ctx context.Context, updateID string, report *models.UpdateStatusReport) error {
	path := "/api/v1/ships/" + url.PathEscape(report.ShipID) + "/updates/" + url.PathEscape(updateID) + "/status"
	return c.do(ctx, "report_status", http.MethodPost, path, report, nil)
}

// ReportHealth implements Shore.
func (c *Client) ReportHealth(ctx context.Context, m *models.ShipMetrics) (models.ShipStatus, error) {
	var resp struct {
		Status models.ShipStatus `json:"status"`
	}
	if err := c.do(ctx, "report_health", http.MethodPost, "/api/v1/ships/"+url.PathEscape(m.ShipID)+"/health", m, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.config.InitialBackoff)
	b = retry.WithJitterPercent(10, b)
	if c.config.MaxBackoff > 0 {
		b = retry.WithCappedDuration(c.config.MaxBackoff, b)
	}
	return retry.WithMaxRetries(uint64(max(c.config.MaxRetries, 0)), b)
}

// do sends one request with retries on network errors, 5xx and 429.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding %s request: %w", operation, err)
		}
	}

	attempt := 0
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.Is(err, ErrUnreachable) || (errors.As(err, &se) && se.retryable()) {
			c.logger.Warn("shore request failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr) == nil {
			se.APICode, se.Message = apiErr.Code, apiErr.Message
		}
		return se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding shore response: %w", err)
	}
	return nil
}
