// Package fred exposes the St. Louis Fed FRED series API as a tool.
package fred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/finagent/tools"
)

const (
	ToolName       = "FRED"
	DefaultBaseURL = "https://api.stlouisfed.org/fred"
	defaultLimit   = 12
	maxLimit       = 1000
	maxBodyBytes   = 2 << 20
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type Option func(*Client)

func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if strings.TrimSpace(raw) != "" {
			c.baseURL = strings.TrimRight(strings.TrimSpace(raw), "/")
		}
	}
}

// WithHTTPClient replaces the default client. Its transport is still wrapped
// with otelhttp.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  strings.TrimSpace(apiKey),
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c.http
	wrapped.Transport = otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "fred " + r.URL.Path
		}),
	)
	c.http = &wrapped
	return c
}

type Observation struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

type Series struct {
	SeriesID     string        `json:"seriesId"`
	Observations []Observation `json:"observations"`
	Latest       *Observation  `json:"latest,omitempty"`
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
	ErrorMessage string `json:"error_message"`
}

// Observations fetches the most recent limit observations of seriesID, newest
// first. Missing values ("." in FRED responses) are returned as nil.
func (c *Client) Observations(ctx context.Context, seriesID string, limit int, start string) (Series, error) {
	seriesID = strings.ToUpper(strings.TrimSpace(seriesID))
	if seriesID == "" {
		return Series{}, fmt.Errorf("series_id is required")
	}
	if c.apiKey == "" {
		return Series{}, fmt.Errorf("FRED api key is not configured")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	q := url.Values{}
	q.Set("series_id", seriesID)
	q.Set("api_key", c.apiKey)
	q.Set("file_type", "json")
	q.Set("sort_order", "desc")
	q.Set("limit", strconv.Itoa(limit))
	if strings.TrimSpace(start) != "" {
		q.Set("observation_start", strings.TrimSpace(start))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/series/observations?"+q.Encode(), nil)
	if err != nil {
		return Series{}, fmt.Errorf("failed to build FRED request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Series{}, fmt.Errorf("FRED request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Series{}, fmt.Errorf("failed to read FRED response: %w", err)
	}
	var decoded observationsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Series{}, fmt.Errorf("failed to decode FRED response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := decoded.ErrorMessage
		if msg == "" {
			msg = resp.Status
		}
		return Series{}, fmt.Errorf("FRED returned %d: %s", resp.StatusCode, msg)
	}

	out := Series{SeriesID: seriesID, Observations: make([]Observation, 0, len(decoded.Observations))}
	for _, o := range decoded.Observations {
		obs := Observation{Date: o.Date}
		if v, err := strconv.ParseFloat(o.Value, 64); err == nil {
			obs.Value = &v
		}
		out.Observations = append(out.Observations, obs)
	}
	for i := range out.Observations {
		if out.Observations[i].Value != nil {
			latest := out.Observations[i]
			out.Latest = &latest
			break
		}
	}
	return out, nil
}

type toolArgs struct {
	SeriesID         string `json:"series_id" jsonschema:"description=FRED series identifier, e.g. DGS10 or CPIAUCSL."`
	Limit            int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=1000,description=Number of most recent observations."`
	ObservationStart string `json:"observation_start,omitempty" jsonschema:"description=Earliest observation date (YYYY-MM-DD)."`
}

// Tool wraps the client as the FRED capability.
func (c *Client) Tool() tools.Tool {
	return tools.NewFuncTool(
		ToolName,
		"Fetch recent observations of a Federal Reserve Economic Data (FRED) series.",
		tools.SchemaFor[toolArgs](),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in toolArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid FRED args: %w", err)
			}
			return c.Observations(ctx, in.SeriesID, in.Limit, in.ObservationStart)
		},
	)
}
