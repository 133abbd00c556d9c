// Package geolocation provides requester positions from an IP geolocation
// service or from coordinates supplied by the caller.
package geolocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/geo"
)

const (
	defaultURL       = "https://am.i.mullvad.net/json"
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "nearby-feeds/dev"
)

// Client looks up the caller's approximate position from an IP geolocation
// service. It implements domain.GeolocationProvider.
type Client struct {
	httpClient *http.Client
	url        string
	userAgent  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithURL sets the geolocation endpoint.
func WithURL(url string) ClientOption {
	return func(c *Client) {
		c.url = url
	}
}

// WithTimeout sets the HTTP timeout of a lookup.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// NewClient creates a geolocation client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		url:        defaultURL,
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type locationResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	City      string   `json:"city"`
	Country   string   `json:"country"`
}

// CurrentPosition fetches the caller's position. Failures are returned as
// *domain.LocationError.
func (c *Client) CurrentPosition(ctx context.Context) (geo.Coordinate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return geo.Coordinate{}, &domain.LocationError{Reason: domain.LocationUnsupported, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		reason := domain.LocationUnavailable
		var netErr interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			reason = domain.LocationTimeout
		}
		return geo.Coordinate{}, &domain.LocationError{Reason: reason, Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return geo.Coordinate{}, &domain.LocationError{
			Reason: domain.LocationPermissionDenied,
			Err:    fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return geo.Coordinate{}, &domain.LocationError{
			Reason: domain.LocationUnavailable,
			Err:    fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return geo.Coordinate{}, &domain.LocationError{
			Reason: domain.LocationUnavailable,
			Err:    fmt.Errorf("unexpected content-type: %s (expected application/json)", ct),
		}
	}

	var body locationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return geo.Coordinate{}, &domain.LocationError{Reason: domain.LocationUnavailable, Err: fmt.Errorf("parse response: %w", err)}
	}
	if body.Latitude == nil || body.Longitude == nil {
		return geo.Coordinate{}, &domain.LocationError{Reason: domain.LocationUnavailable, Err: errors.New("response has no coordinates")}
	}

	return geo.Coordinate{Lat: *body.Latitude, Lng: *body.Longitude}, nil
}

// Static serves a fixed position, as reported by a client device. A nil
// position means the requester declined to share one.
type Static struct {
	Position *geo.Coordinate
}

// CurrentPosition returns the fixed position.
func (s Static) CurrentPosition(context.Context) (geo.Coordinate, error) {
	if s.Position == nil {
		return geo.Coordinate{}, &domain.LocationError{Reason: domain.LocationPermissionDenied}
	}
	return *s.Position, nil
}
