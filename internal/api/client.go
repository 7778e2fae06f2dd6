// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mallmap/geomeasure/pkg/core"
)

// ResourcePath is the geo-measure collection on the server.
const ResourcePath = "/api/geo_measure"

// StatusSuccess is the envelope status the server uses for a successful call.
const StatusSuccess = "S"

// DefaultTimeout bounds a single request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	UserAgent  string
	StrictSave bool
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Client talks to the geo-measure resource of the mall API.
type Client struct {
	baseURL    string
	userAgent  string
	strictSave bool
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new API client.
func New(baseURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "geomeasure"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  ua,
		strictSave: opts.StrictSave,
		httpClient: hc,
		logger:     logger,
	}
}

// URL returns the full geo-measure resource URL.
func (c *Client) URL() string {
	return c.baseURL + ResourcePath
}

// Healthcheck checks that the geo-measure resource answers.
func (c *Client) Healthcheck(ctx context.Context) error {
	resp, err := c.do(ctx, "healthcheck", http.MethodGet, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchAll retrieves every geo-measure known to the server, in server order. Records without a
// usable latitude, longitude or id are skipped with a warning, so fewer markers than records may
// come back.
func (c *Client) FetchAll(ctx context.Context) ([]core.Marker, error) {
	resp, err := c.do(ctx, "fetch", http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env listEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &TransportError{Op: "fetch", Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Status != StatusSuccess {
		return nil, &RetrievalError{Status: env.Status, Message: env.Message}
	}

	markers := make([]core.Marker, 0, len(env.GeoMeasures))
	for i, rec := range env.GeoMeasures {
		m, err := rec.toMarker()
		if err != nil {
			c.logger.Warn("skipping geo-measure", "index", i, "id", rec.ID, "error", err)
			continue
		}
		markers = append(markers, m)
	}
	c.logger.Debug("fetched geo-measures", "received", len(env.GeoMeasures), "kept", len(markers))
	return markers, nil
}

// Save submits one geo-measure. Any answer without a transport failure counts as accepted unless
// the client runs with StrictSave, in which case a present, non-success status is a rejection.
func (c *Client) Save(ctx context.Context, fields core.MarkerFields) (*SaveAck, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal geo-measure: %w", err)
	}

	resp, err := c.do(ctx, "save", http.MethodPost, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "save", Err: fmt.Errorf("read response: %w", err)}
	}

	ack := &SaveAck{StatusCode: resp.StatusCode, Body: raw}
	var env ackEnvelope
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &env) == nil {
		ack.Status = env.Status
		ack.Message = env.Message
	}

	if ack.Status != "" && ack.Status != StatusSuccess {
		if c.strictSave {
			return nil, &RejectedError{Status: ack.Status, Message: ack.Message}
		}
		c.logger.Warn("server answered save with non-success status",
			"status", ack.Status,
			"message", ack.Message,
		)
	}
	return ack, nil
}

func (c *Client) do(ctx context.Context, op, method string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	c.logger.Debug("geo-measure request",
		"op", op,
		"method", method,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
