// Package orion dispatches attribute updates to the context broker.
package orion

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
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	updatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_orion_updates_total",
		Help: "Attribute updates accepted by the context broker.",
	})
	updateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_orion_update_failures_total",
		Help: "Attribute updates rejected or undeliverable.",
	}, []string{"reason"})
)

// ErrEntityNotFound reports that the target entity does not exist; the
// update is terminally dropped.
var ErrEntityNotFound = errors.New("entity not found")

// Attribute is one context-broker attribute value.
type Attribute struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Update is the PATCH body applied to an entity's attributes. Updates
// are last-writer-wins per attribute at the broker, which makes
// re-dispatch idempotent.
type Update map[string]Attribute

// NumberUpdate builds the update body for a single extracted value.
func NumberUpdate(attribute string, value any) Update {
	return Update{attribute: {Type: "Number", Value: value}}
}

// Config holds dispatcher configuration.
type Config struct {
	// URL is the context broker base URL.
	URL string
	// Service and ServicePath fill the fiware tenant headers.
	Service     string
	ServicePath string
	// ConnectTimeout bounds dialing, RequestTimeout the whole request.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Client issues idempotent attribute PATCHes. Each worker owns one.
type Client struct {
	http *http.Client
	cfg  Config
	lg   zerolog.Logger
}

// NewClient returns a dispatcher. The event path never retries: 5xx
// and connection failures are counted here and returned to the
// caller, which logs them.
func NewClient(cfg Config, lg zerolog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	// hand 429/5xx responses back as-is so UpdateAttributes classifies
	// them, instead of the default give-up error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.HTTPClient.Transport = &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}

	return &Client{http: rc.StandardClient(), cfg: cfg, lg: lg}
}

// UpdateAttributes PATCHes upd onto the entity. 2xx succeeds, 404
// returns ErrEntityNotFound, 408, 429 and 5xx return an error naming
// the status only, and any other status returns an error carrying the
// response body.
func (c *Client) UpdateAttributes(ctx context.Context, entityID, entityType string, upd Update) error {
	body, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/entities/%s/attrs?type=%s",
		strings.TrimRight(c.cfg.URL, "/"),
		url.PathEscape(entityID),
		url.QueryEscape(entityType))

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("fiware-service", c.cfg.Service)
	req.Header.Set("fiware-servicepath", c.cfg.ServicePath)

	resp, err := c.http.Do(req)
	if err != nil {
		updateFailuresTotal.WithLabelValues("connection").Inc()
		return fmt.Errorf("patch %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		updatesTotal.Inc()
		return nil
	case resp.StatusCode == http.StatusNotFound:
		updateFailuresTotal.WithLabelValues("not_found").Inc()
		return fmt.Errorf("patch %s: %w", entityID, ErrEntityNotFound)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		// broker-side transient signals, not client errors
		updateFailuresTotal.WithLabelValues("transient").Inc()
		return fmt.Errorf("patch %s: broker returned %d", entityID, resp.StatusCode)
	case resp.StatusCode >= 500:
		updateFailuresTotal.WithLabelValues("server").Inc()
		return fmt.Errorf("patch %s: broker returned %d", entityID, resp.StatusCode)
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		updateFailuresTotal.WithLabelValues("client").Inc()
		return fmt.Errorf("patch %s: broker returned %d: %s", entityID, resp.StatusCode, respBody)
	}
}
